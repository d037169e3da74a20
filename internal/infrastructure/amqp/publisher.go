// Package amqp hands push notifications to the push gateway through a
// RabbitMQ exchange. The connection is re-established with exponential
// backoff whenever the broker closes it.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/streadway/amqp"

	"github.com/botcareu/botcareu-core/internal/infrastructure/config"
)

const exchangeTypeTopic = "topic"

// Errors returned by the publisher.
var (
	ErrDisabled     = errors.New("amqp: disabled in configuration")
	ErrNotConnected = errors.New("amqp: not connected")
	ErrClosed       = errors.New("amqp: publisher closed")
)

// Logger is the subset of logging.Logger used here.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Publisher publishes persistent JSON messages to one exchange.
//
// Thread Safety:
//   - Publish may be called from many goroutines; publishes are serialised
//     on the single AMQP channel.
type Publisher struct {
	cfg    config.AMQPConfig
	logger Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// Connect dials the broker with backoff bounded by cfg.MaxElapsed,
// declares the exchange and starts watching for connection loss.
func Connect(ctx context.Context, cfg config.AMQPConfig, logger Logger) (*Publisher, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if logger == nil {
		logger = noopLogger{}
	}

	p := &Publisher{
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}

	if err := backoff.Retry(p.connect, p.backoff(ctx, cfg.MaxElapsed)); err != nil {
		return nil, fmt.Errorf("connecting to amqp broker: %w", err)
	}

	p.wg.Add(1)
	go p.watch()

	return p, nil
}

func (p *Publisher) backoff(ctx context.Context, maxElapsed time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.cfg.MaxBackoff > 0 {
		b.MaxInterval = p.cfg.MaxBackoff
	}
	b.MaxElapsedTime = maxElapsed
	return backoff.WithContext(b, ctx)
}

func (p *Publisher) connect() error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return backoff.Permanent(ErrClosed)
	}

	// mu is not held while dialling; Publish returns ErrNotConnected meanwhile.
	conn, err := amqp.Dial(p.cfg.URL)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close() //nolint:errcheck // best effort cleanup
		return err
	}
	err = ch.ExchangeDeclare(
		p.cfg.Exchange,
		exchangeTypeTopic,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // noWait
		nil,
	)
	if err != nil {
		conn.Close() //nolint:errcheck // best effort cleanup
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		conn.Close() //nolint:errcheck // lost the race with Close
		return backoff.Permanent(ErrClosed)
	}
	p.conn = conn
	p.channel = ch
	return nil
}

// watch reconnects whenever the broker drops the connection, until Close.
func (p *Publisher) watch() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		conn := p.conn
		p.mu.Unlock()
		if conn == nil {
			return
		}

		closed := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-p.done:
			return
		case reason := <-closed:
			p.mu.Lock()
			p.conn, p.channel = nil, nil
			p.mu.Unlock()

			p.logger.Warn("amqp connection lost, reconnecting", "reason", reason)

			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				select {
				case <-p.done:
					cancel()
				case <-ctx.Done():
				}
			}()
			// MaxElapsedTime 0 keeps retrying until Close cancels ctx.
			err := backoff.Retry(p.connect, p.backoff(ctx, 0))
			cancel()
			if err != nil {
				return
			}
			p.logger.Info("amqp reconnected")
		}
	}
}

// Publish sends body to the exchange with routingKey (empty uses the
// configured default). Messages are persistent and typed application/json.
func (p *Publisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if routingKey == "" {
		routingKey = p.cfg.RoutingKey
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.channel == nil {
		return ErrNotConnected
	}

	err := p.channel.Publish(
		p.cfg.Exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publishing to %s/%s: %w", p.cfg.Exchange, routingKey, err)
	}
	return nil
}

// IsConnected reports whether a channel is currently open.
func (p *Publisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel != nil && !p.closed
}

// HealthCheck reports ErrNotConnected while the broker connection is down.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Close stops the reconnect loop and closes the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	conn := p.conn
	p.conn, p.channel = nil, nil
	p.mu.Unlock()

	var err error
	if conn != nil && !conn.IsClosed() {
		err = conn.Close()
	}
	p.wg.Wait()
	return err
}
