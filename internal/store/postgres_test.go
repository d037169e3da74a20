package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/botcareu/botcareu-core/internal/device"
	"github.com/botcareu/botcareu-core/internal/infrastructure/config"
	"github.com/botcareu/botcareu-core/internal/infrastructure/postgres"
	"github.com/botcareu/botcareu-core/internal/notify"
	"github.com/botcareu/botcareu-core/internal/telemetry"
)

// setupPostgres connects to BOTCAREU_TEST_POSTGRES_DSN, which should point
// at a scratch database.
func setupPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("BOTCAREU_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("BOTCAREU_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := postgres.Connect(ctx, config.PostgresConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { pool.Close() }) //nolint:errcheck // test cleanup

	p := NewPostgres(pool.Pool, &fixedClock{now: t0})
	if err := p.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	for _, table := range []string{"delivery_attempts", "notifications", "readings", "devices", "user_contacts", "audit_logs"} {
		if _, err := pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("truncating %s: %v", table, err)
		}
	}
	return p
}

func TestPostgres_Gateway(t *testing.T) {
	p := setupPostgres(t)
	ctx := context.Background()

	// EnsureSchema is idempotent.
	if err := p.EnsureSchema(ctx); err != nil {
		t.Fatalf("second EnsureSchema() error = %v", err)
	}

	for i := range 3 {
		if err := p.AppendReading(ctx, sample("dev-1", t0.Add(time.Duration(i)*time.Minute), 37+float64(i), telemetry.TierNone)); err != nil {
			t.Fatalf("AppendReading() error = %v", err)
		}
	}
	got, err := p.ListReadings(ctx, "dev-1", 2)
	if err != nil {
		t.Fatalf("ListReadings() error = %v", err)
	}
	if len(got) != 2 || got[0].Primary != 39 {
		t.Errorf("ListReadings() = %+v", got)
	}

	in := testIntent()
	if err := p.RecordNotification(ctx, in, notify.StatusPending); err != nil {
		t.Fatalf("RecordNotification(pending) error = %v", err)
	}
	if err := p.RecordNotification(ctx, in, notify.StatusFailed); err != nil {
		t.Fatalf("RecordNotification(failed) error = %v", err)
	}
	var audits int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_logs WHERE entity_id = $1`, in.ID).Scan(&audits); err != nil {
		t.Fatal(err)
	}
	if audits != 1 {
		t.Errorf("audit rows = %d, want 1", audits)
	}
}

func TestPostgres_DevicesAndContacts(t *testing.T) {
	p := setupPostgres(t)
	ctx := context.Background()

	d := device.DeviceState{ID: "dev-1", OwnerUserID: "user-1", Active: true, Alert: device.DefaultAlertConfig()}
	d.Alert.Channels = []string{"push"}
	if err := p.CreateDevice(ctx, d); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	list, err := p.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("List() = %v, %v", list, err)
	}
	if list[0].Status != telemetry.StatusUnknown || len(list[0].Alert.Channels) != 1 {
		t.Errorf("device = %+v", list[0])
	}

	battery := 55.0
	list[0].Status = telemetry.StatusOnline
	list[0].LastSeen = t0
	list[0].BatteryLevel = &battery
	if err := p.SaveState(ctx, list[0]); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}
	if err := p.SaveState(ctx, device.DeviceState{ID: "missing"}); err == nil {
		t.Error("SaveState(missing) should fail")
	}

	r, err := p.Recipient(ctx, "user-1")
	if err != nil || r.UserID != "user-1" || r.Email != "" {
		t.Errorf("Recipient() = %+v, %v", r, err)
	}
}
