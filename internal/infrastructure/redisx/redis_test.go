package redisx

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/botcareu/botcareu-core/internal/infrastructure/config"
)

func TestConnect_Disabled(t *testing.T) {
	_, err := Connect(context.Background(), config.RedisConfig{Enabled: false})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect(context.Background(), config.RedisConfig{Enabled: true, Addr: "127.0.0.1:1"})
	if err == nil {
		t.Error("Connect() expected error for unreachable redis")
	}
}

func TestConnect_Live(t *testing.T) {
	conn, err := net.DialTimeout("tcp", "127.0.0.1:6379", 500*time.Millisecond)
	if err != nil {
		t.Skip("redis not available at 127.0.0.1:6379")
	}
	conn.Close() //nolint:errcheck // probe only

	c, err := Connect(context.Background(), config.RedisConfig{Enabled: true, Addr: "127.0.0.1:6379", KeyPrefix: "test:"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close() //nolint:errcheck // test cleanup

	if c.KeyPrefix() != "test:" {
		t.Errorf("KeyPrefix() = %q, want test:", c.KeyPrefix())
	}
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}
