package mqtt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/botcareu/botcareu-core/internal/infrastructure/config"
)

// testConfig returns a configuration for a local broker at 127.0.0.1:1883.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: fmt.Sprintf("botcareu-test-%d", time.Now().UnixNano()),
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// requireBroker skips the test when no broker is listening locally.
func requireBroker(t *testing.T) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:1883", 500*time.Millisecond)
	if err != nil {
		t.Skip("MQTT broker not available at 127.0.0.1:1883")
	}
	conn.Close() //nolint:errcheck // probe only
}

type mockLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *mockLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *mockLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *mockLogger) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errors), len(l.warns)
}

// ─── Topics ─────────────────────────────────────────────────────────

func TestTopicBuilders(t *testing.T) {
	topics := NewTopics("botcareu/")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"reading", topics.Device("esp32-01", KindReading), "botcareu/device/esp32-01/temperature/reading"},
		{"all status", topics.AllDevices(KindStatus), "botcareu/device/+/status"},
		{"all alerts", topics.AllDevices(KindAlerts), "botcareu/device/+/alerts"},
		{"commands", topics.DeviceCommands("esp32-01"), "botcareu/device/esp32-01/commands"},
		{"config", topics.DeviceConfig("esp32-01"), "botcareu/device/esp32-01/config"},
		{"backend status", topics.BackendStatus(), "botcareu/system/backend/status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}

	if topics.Namespace() != "botcareu" {
		t.Errorf("Namespace() = %q, want botcareu", topics.Namespace())
	}
}

// ─── Handler wrapping ───────────────────────────────────────────────

func TestDispatchMessage_RecoversPanic(t *testing.T) {
	logger := &mockLogger{}

	dispatchMessage(func(string, []byte) error {
		panic("boom")
	}, "botcareu/device/x/status", nil, logger)

	if errs, _ := logger.counts(); errs != 1 {
		t.Errorf("panic should be logged once at error level, got %d", errs)
	}
}

func TestDispatchMessage_LogsHandlerError(t *testing.T) {
	logger := &mockLogger{}

	dispatchMessage(func(string, []byte) error {
		return errors.New("decode failed")
	}, "botcareu/device/x/status", []byte("{"), logger)

	if _, warns := logger.counts(); warns != 1 {
		t.Errorf("handler error should be logged once at warn level, got %d", warns)
	}
}

func TestDispatchMessage_NilLogger(t *testing.T) {
	// Must not panic even without a logger.
	dispatchMessage(func(string, []byte) error { panic("boom") }, "t", nil, nil)
}

// ─── Validation without a broker ────────────────────────────────────

func TestClient_ValidationBeforeConnect(t *testing.T) {
	c := &Client{subscriptions: make(map[string]subscription)}
	noop := func(string, []byte) error { return nil }

	if err := c.Publish("", nil, 1, false); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Publish(empty) = %v, want ErrInvalidTopic", err)
	}
	if err := c.Publish("t", nil, 3, false); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Publish(qos 3) = %v, want ErrInvalidQoS", err)
	}
	if err := c.Publish("t", make([]byte, maxPayloadSize+1), 1, false); !errors.Is(err, ErrPublishFailed) {
		t.Errorf("Publish(oversize) = %v, want ErrPublishFailed", err)
	}
	if err := c.Publish("t", []byte("x"), 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish(disconnected) = %v, want ErrNotConnected", err)
	}
	if err := c.Subscribe("t", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe(nil handler) = %v, want ErrSubscribeFailed", err)
	}
	if err := c.Subscribe("t", 1, noop); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe(disconnected) = %v, want ErrNotConnected", err)
	}
	if err := c.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(empty) = %v, want ErrInvalidTopic", err)
	}
	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", c.SubscriptionCount())
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() = %v, want ErrNotConnected", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on unconnected client = %v", err)
	}
}

func TestConnect_BrokerRefused(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 19999

	_, err := Connect(cfg, "botcareu")
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

// ─── Broker round trip ──────────────────────────────────────────────

func TestPublishSubscribeRoundtrip(t *testing.T) {
	requireBroker(t)

	ns := fmt.Sprintf("botcareu-test-%d", time.Now().UnixNano())
	client, err := Connect(testConfig(), ns)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close() //nolint:errcheck // test cleanup

	received := make(chan string, 1)
	pattern := client.Topics().AllDevices(KindStatus)
	err = client.SubscribeDefault(pattern, func(topic string, _ []byte) error {
		received <- topic
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !client.HasSubscription(pattern) {
		t.Fatal("subscription not tracked")
	}

	want := client.Topics().Device("esp32-01", KindStatus)
	if err := client.PublishDefault(want, []byte(`{"status":"online"}`)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-received:
		if got != want {
			t.Errorf("received topic %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	if err := client.Unsubscribe(pattern); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d after unsubscribe", client.SubscriptionCount())
	}
}
