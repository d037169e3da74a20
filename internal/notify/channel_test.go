package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/botcareu/botcareu-core/internal/telemetry"
)

func testIntent() *Intent {
	return NewFeverIntent(testState(), feverSample(40.2, telemetry.TierCritical), t0, time.Hour)
}

// ─── Realtime ───────────────────────────────────────────────────────

type fakeHub struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (h *fakeHub) Publish(userID, eventType string, _ any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, userID+":"+eventType)
	return h.err
}

func TestRealtimeChannel(t *testing.T) {
	hub := &fakeHub{}
	ch := NewRealtimeChannel(hub)
	if err := ch.Deliver(context.Background(), testIntent(), Recipient{UserID: "user-1"}); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if len(hub.events) != 1 || hub.events[0] != "user-1:notification" {
		t.Errorf("events = %v", hub.events)
	}

	hub.err = errors.New("marshal failed")
	if err := ch.Deliver(context.Background(), testIntent(), Recipient{UserID: "user-1"}); !errors.Is(err, ErrChannelFailure) {
		t.Errorf("error = %v, want ErrChannelFailure", err)
	}
}

// ─── Push ───────────────────────────────────────────────────────────

type fakeBroker struct {
	key  string
	body []byte
	err  error
}

func (b *fakeBroker) Publish(_ context.Context, key string, body []byte) error {
	b.key, b.body = key, body
	return b.err
}

func TestPushChannel(t *testing.T) {
	broker := &fakeBroker{}
	ch := NewPushChannel(broker, "notifications.push")

	err := ch.Deliver(context.Background(), testIntent(), Recipient{UserID: "user-1", PushTokens: []string{"t1", "t2"}})
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	var msg pushMessage
	if err := json.Unmarshal(broker.body, &msg); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	if broker.key != "notifications.push" || len(msg.Tokens) != 2 || msg.Priority != "critical" {
		t.Errorf("unexpected push message %+v (key %s)", msg, broker.key)
	}

	if err := ch.Deliver(context.Background(), testIntent(), Recipient{UserID: "user-1"}); !errors.Is(err, ErrNoAddress) {
		t.Errorf("no tokens error = %v, want ErrNoAddress", err)
	}

	broker.err = errors.New("amqp: not connected")
	err = ch.Deliver(context.Background(), testIntent(), Recipient{UserID: "user-1", PushTokens: []string{"t1"}})
	if !errors.Is(err, ErrChannelFailure) || !retryable(err) {
		t.Errorf("broker error = %v, want retryable ErrChannelFailure", err)
	}
}

// ─── SMS ────────────────────────────────────────────────────────────

func TestSMSChannel(t *testing.T) {
	var (
		mu     sync.Mutex
		got    smsRequest
		auth   string
		status = http.StatusAccepted
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	ch := NewSMSChannel(srv.URL, "secret", nil)
	in := testIntent()

	if err := ch.Deliver(context.Background(), in, Recipient{UserID: "user-1", Phone: "+15550100"}); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if auth != "Bearer secret" || got.To != "+15550100" || got.Reference != in.ID {
		t.Errorf("request = %+v, auth %q", got, auth)
	}
	if !strings.HasPrefix(got.Message, "BotCareU: Critical fever detected.") {
		t.Errorf("Message = %q", got.Message)
	}

	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		mu.Lock()
		status = tt.status
		mu.Unlock()
		err := ch.Deliver(context.Background(), in, Recipient{UserID: "user-1", Phone: "+15550100"})
		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		if retryable(err) == tt.permanent {
			t.Errorf("status %d: retryable = %v, want %v", tt.status, retryable(err), !tt.permanent)
		}
	}

	if err := ch.Deliver(context.Background(), in, Recipient{UserID: "user-1"}); !errors.Is(err, ErrNoAddress) {
		t.Errorf("no phone error = %v, want ErrNoAddress", err)
	}
}

// ─── Email ──────────────────────────────────────────────────────────

// fakeSMTP accepts one plain SMTP session and captures the message.
type fakeSMTP struct {
	ln   net.Listener
	mu   sync.Mutex
	rcpt string
	data string
	done chan struct{}
}

func startFakeSMTP(t *testing.T) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeSMTP{ln: ln, done: make(chan struct{})}
	t.Cleanup(func() { ln.Close() }) //nolint:errcheck // test cleanup
	go s.serve()
	return s
}

func (s *fakeSMTP) serve() {
	defer close(s.done)
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	reply := func(line string) { _, _ = conn.Write([]byte(line + "\r\n")) }

	reply("220 localhost ESMTP test")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			reply("250-localhost")
			reply("250 8BITMIME")
		case strings.HasPrefix(cmd, "MAIL FROM"):
			reply("250 OK")
		case strings.HasPrefix(cmd, "RCPT TO"):
			s.mu.Lock()
			s.rcpt = strings.TrimSpace(line[len("RCPT TO:"):])
			s.mu.Unlock()
			reply("250 OK")
		case cmd == "DATA":
			reply("354 go ahead")
			var b strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				b.WriteString(l)
			}
			s.mu.Lock()
			s.data = b.String()
			s.mu.Unlock()
			reply("250 queued")
		case cmd == "QUIT":
			reply("221 bye")
			return
		default:
			reply("250 OK")
		}
	}
}

func TestEmailChannel(t *testing.T) {
	srv := startFakeSMTP(t)
	host, portStr, _ := net.SplitHostPort(srv.ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	ch := NewEmailChannel(EmailConfig{Host: host, Port: port, From: "alerts@botcareu.example"}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ch.Deliver(ctx, testIntent(), Recipient{UserID: "user-1", Email: "parent@example.com"}); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	<-srv.done

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.rcpt != "<parent@example.com>" {
		t.Errorf("rcpt = %q", srv.rcpt)
	}
	if !strings.Contains(srv.data, "Subject: [BotCareU] Critical fever detected") {
		t.Errorf("subject missing from message:\n%s", srv.data)
	}
	if !strings.Contains(srv.data, "Temperature 40.2°C measured by Nursery thermometer") {
		t.Errorf("body missing from message:\n%s", srv.data)
	}
}

func TestEmailChannel_Errors(t *testing.T) {
	ch := NewEmailChannel(EmailConfig{Host: "127.0.0.1", Port: 1, From: "a@b"}, nil)

	if err := ch.Deliver(context.Background(), testIntent(), Recipient{UserID: "u"}); !errors.Is(err, ErrNoAddress) {
		t.Errorf("no email error = %v, want ErrNoAddress", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := ch.Deliver(ctx, testIntent(), Recipient{UserID: "u", Email: "x@example.com"})
	if !errors.Is(err, ErrChannelFailure) {
		t.Errorf("unreachable relay error = %v, want ErrChannelFailure", err)
	}
}
