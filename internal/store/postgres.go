package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/botcareu/botcareu-core/internal/audit"
	"github.com/botcareu/botcareu-core/internal/device"
	"github.com/botcareu/botcareu-core/internal/notify"
	"github.com/botcareu/botcareu-core/internal/telemetry"
)

// postgresSchema is the Postgres rendition of the SQLite migrations.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS devices (
    id                      TEXT PRIMARY KEY,
    owner_user_id           TEXT NOT NULL,
    name                    TEXT NOT NULL DEFAULT '',
    active                  BOOLEAN NOT NULL DEFAULT TRUE,
    status                  TEXT NOT NULL DEFAULT 'unknown',
    status_at               TIMESTAMPTZ,
    last_seen               TIMESTAMPTZ,
    battery_level           DOUBLE PRECISION,
    signal_strength         INTEGER,
    firmware_version        TEXT,
    measurement_interval_ms BIGINT,
    alert_enabled           BOOLEAN NOT NULL DEFAULT TRUE,
    alert_min_tier          TEXT NOT NULL DEFAULT 'mild',
    alert_thresholds        JSONB,
    alert_channels          JSONB,
    created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_devices_owner ON devices(owner_user_id);

CREATE TABLE IF NOT EXISTS user_contacts (
    user_id     TEXT PRIMARY KEY,
    email       TEXT,
    phone       TEXT,
    push_tokens JSONB
);

CREATE TABLE IF NOT EXISTS readings (
    id               TEXT PRIMARY KEY,
    device_id        TEXT NOT NULL,
    infrared_temp    DOUBLE PRECISION,
    contact_temp     DOUBLE PRECISION,
    ambient_temp     DOUBLE PRECISION,
    primary_temp     DOUBLE PRECISION NOT NULL,
    measurement_type TEXT NOT NULL,
    is_valid         BOOLEAN NOT NULL,
    fever_tier       TEXT NOT NULL,
    raw_tier         TEXT NOT NULL DEFAULT 'none',
    invalid_reasons  JSONB,
    recorded_at      TIMESTAMPTZ NOT NULL,
    received_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_readings_device_time ON readings(device_id, recorded_at DESC);

CREATE TABLE IF NOT EXISTS notifications (
    id          TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    device_id   TEXT,
    alert_type  TEXT NOT NULL,
    priority    TEXT NOT NULL,
    severity    TEXT NOT NULL,
    title       TEXT NOT NULL,
    message     TEXT NOT NULL,
    payload     JSONB,
    channels    JSONB NOT NULL,
    status      TEXT NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL,
    expires_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS delivery_attempts (
    notification_id TEXT NOT NULL REFERENCES notifications(id) ON DELETE CASCADE,
    channel         TEXT NOT NULL,
    attempts        INTEGER NOT NULL,
    sent            BOOLEAN NOT NULL,
    last_error      TEXT,
    attempted_at    TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (notification_id, channel)
);

CREATE TABLE IF NOT EXISTS audit_logs (
    id          TEXT PRIMARY KEY,
    action      TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id   TEXT,
    user_id     TEXT,
    source      TEXT NOT NULL,
    details     JSONB,
    created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_created ON audit_logs(created_at DESC);
`

// Postgres is the gateway over a pgx pool. It also implements
// device.Repository and notify.RecipientDirectory.
type Postgres struct {
	pool  *pgxpool.Pool
	clock telemetry.Clock
}

// NewPostgres creates a gateway over pool.
func NewPostgres(pool *pgxpool.Pool, clock telemetry.Clock) *Postgres {
	if clock == nil {
		clock = telemetry.SystemClock{}
	}
	return &Postgres{pool: pool, clock: clock}
}

// EnsureSchema creates the tables if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("creating postgres schema: %w", err)
	}
	return nil
}

// AppendReading implements Gateway.
func (p *Postgres) AppendReading(ctx context.Context, r telemetry.Sample) error {
	reasons, err := jsonOrNil(r.Reasons, len(r.Reasons) == 0)
	if err != nil {
		return fmt.Errorf("marshalling invalid_reasons: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO readings (id, device_id, infrared_temp, contact_temp, ambient_temp,
			primary_temp, measurement_type, is_valid, fever_tier, raw_tier,
			invalid_reasons, recorded_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.DeviceID, r.InfraredTemp, r.ContactTemp, r.AmbientTemp,
		r.Primary, string(r.Type), r.Valid, string(r.Tier), string(r.RawTier),
		reasons, r.Timestamp.UTC(), p.clock.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting reading: %w", err)
	}
	return nil
}

// ListReadings returns up to limit readings of deviceID, newest first.
func (p *Postgres) ListReadings(ctx context.Context, deviceID string, limit int) ([]telemetry.Sample, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, device_id, infrared_temp, contact_temp, ambient_temp, primary_temp,
			measurement_type, is_valid, fever_tier, raw_tier, invalid_reasons, recorded_at
		FROM readings
		WHERE device_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2`, deviceID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying readings: %w", err)
	}
	defer rows.Close()

	out := []telemetry.Sample{}
	for rows.Next() {
		var (
			r                telemetry.Sample
			mtype, tier, raw string
			reasons          []byte
		)
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.InfraredTemp, &r.ContactTemp, &r.AmbientTemp,
			&r.Primary, &mtype, &r.Valid, &tier, &raw, &reasons, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning reading: %w", err)
		}
		r.Type = telemetry.MeasurementType(mtype)
		r.Tier = telemetry.FeverTier(tier)
		r.RawTier = telemetry.FeverTier(raw)
		r.Timestamp = r.Timestamp.UTC()
		if len(reasons) > 0 {
			if err := json.Unmarshal(reasons, &r.Reasons); err != nil {
				return nil, fmt.Errorf("unmarshalling invalid_reasons: %w", err)
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating readings: %w", err)
	}
	return out, nil
}

// RecordNotification implements Gateway with the same transaction shape
// as the SQLite gateway.
func (p *Postgres) RecordNotification(ctx context.Context, in *notify.Intent, status string) error {
	payload, err := jsonOrNil(in.Payload, len(in.Payload) == 0)
	if err != nil {
		return fmt.Errorf("marshalling payload: %w", err)
	}
	channels, err := json.Marshal(in.Channels)
	if err != nil {
		return fmt.Errorf("marshalling channels: %w", err)
	}
	now := p.clock.Now().UTC()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	_, err = tx.Exec(ctx, `
		INSERT INTO notifications (id, user_id, device_id, alert_type, priority, severity,
			title, message, payload, channels, status, retry_count, created_at, expires_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			retry_count = EXCLUDED.retry_count,
			updated_at = EXCLUDED.updated_at`,
		in.ID, in.UserID, in.DeviceID, string(in.Type), string(in.Priority), string(in.Severity),
		in.Title, in.Message, payload, channels, status, in.RetryCount,
		in.CreatedAt.UTC(), in.ExpiresAt.UTC(), now,
	)
	if err != nil {
		return fmt.Errorf("upserting notification: %w", err)
	}

	batch := &pgx.Batch{}
	for _, a := range attemptList(in) {
		batch.Queue(`
			INSERT INTO delivery_attempts (notification_id, channel, attempts, sent, last_error, attempted_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
			ON CONFLICT (notification_id, channel) DO UPDATE SET
				attempts = EXCLUDED.attempts,
				sent = EXCLUDED.sent,
				last_error = EXCLUDED.last_error,
				attempted_at = EXCLUDED.attempted_at`,
			in.ID, string(a.Channel), a.Attempts, a.Sent, a.LastError, a.Timestamp.UTC())
	}
	if action := auditAction(status); action != "" {
		details, err := json.Marshal(auditDetails(in))
		if err != nil {
			return fmt.Errorf("marshalling audit details: %w", err)
		}
		batch.Queue(`
			INSERT INTO audit_logs (id, action, entity_type, entity_id, user_id, source, details, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			audit.NewID(), action, audit.EntityNotification, in.ID, in.UserID, audit.SourceDispatcher, details, now)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("writing delivery attempts: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing notification: %w", err)
	}
	return nil
}

// Recipient implements notify.RecipientDirectory.
func (p *Postgres) Recipient(ctx context.Context, userID string) (notify.Recipient, error) {
	r := notify.Recipient{UserID: userID}
	var email, phone *string
	var tokens []byte
	err := p.pool.QueryRow(ctx,
		`SELECT email, phone, push_tokens FROM user_contacts WHERE user_id = $1`, userID,
	).Scan(&email, &phone, &tokens)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, nil
	}
	if err != nil {
		return r, fmt.Errorf("querying contacts: %w", err)
	}
	if email != nil {
		r.Email = *email
	}
	if phone != nil {
		r.Phone = *phone
	}
	if len(tokens) > 0 {
		if err := json.Unmarshal(tokens, &r.PushTokens); err != nil {
			return r, fmt.Errorf("unmarshalling push_tokens: %w", err)
		}
	}
	return r, nil
}

// List implements device.Repository.
func (p *Postgres) List(ctx context.Context) ([]device.DeviceState, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, owner_user_id, name, active, status, status_at, last_seen,
			battery_level, signal_strength, firmware_version, measurement_interval_ms,
			alert_enabled, alert_min_tier, alert_thresholds, alert_channels,
			created_at, updated_at
		FROM devices ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var out []device.DeviceState
	for rows.Next() {
		var (
			d                    device.DeviceState
			status, minTier      string
			statusAt, lastSeen   *time.Time
			firmware             *string
			signal               *int32
			thresholds, channels []byte
		)
		if err := rows.Scan(&d.ID, &d.OwnerUserID, &d.Name, &d.Active, &status, &statusAt, &lastSeen,
			&d.BatteryLevel, &signal, &firmware, &d.MeasurementInterval,
			&d.Alert.Enabled, &minTier, &thresholds, &channels,
			&d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		d.Status = telemetry.DeviceStatus(status)
		d.Alert.MinTier = telemetry.FeverTier(minTier)
		if statusAt != nil {
			d.StatusAt = statusAt.UTC()
		}
		if lastSeen != nil {
			d.LastSeen = lastSeen.UTC()
		}
		if firmware != nil {
			d.FirmwareVersion = *firmware
		}
		if signal != nil {
			v := int(*signal)
			d.SignalStrength = &v
		}
		if len(thresholds) > 0 {
			if err := json.Unmarshal(thresholds, &d.Alert.Thresholds); err != nil {
				return nil, fmt.Errorf("unmarshalling alert_thresholds: %w", err)
			}
		}
		if len(channels) > 0 {
			if err := json.Unmarshal(channels, &d.Alert.Channels); err != nil {
				return nil, fmt.Errorf("unmarshalling alert_channels: %w", err)
			}
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return out, nil
}

// SaveState implements device.Repository.
func (p *Postgres) SaveState(ctx context.Context, d device.DeviceState) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE devices
		SET active = $1, status = $2, status_at = $3, last_seen = $4,
		    battery_level = $5, signal_strength = $6, firmware_version = NULLIF($7, ''),
		    measurement_interval_ms = $8, updated_at = $9
		WHERE id = $10`,
		d.Active, string(d.Status), timeOrNil(d.StatusAt), timeOrNil(d.LastSeen),
		d.BatteryLevel, d.SignalStrength, d.FirmwareVersion,
		d.MeasurementInterval, p.clock.Now().UTC(), d.ID,
	)
	if err != nil {
		return fmt.Errorf("saving device state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return device.ErrDeviceNotFound
	}
	return nil
}

// CreateDevice inserts a provisioned device.
func (p *Postgres) CreateDevice(ctx context.Context, d device.DeviceState) error {
	if err := d.Validate(); err != nil {
		return err
	}
	thresholds, err := jsonOrNil(d.Alert.Thresholds, d.Alert.Thresholds.IsZero())
	if err != nil {
		return fmt.Errorf("marshalling alert_thresholds: %w", err)
	}
	channels, err := jsonOrNil(d.Alert.Channels, len(d.Alert.Channels) == 0)
	if err != nil {
		return fmt.Errorf("marshalling alert_channels: %w", err)
	}
	status := d.Status
	if status == "" {
		status = telemetry.StatusUnknown
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO devices (id, owner_user_id, name, active, status,
			alert_enabled, alert_min_tier, alert_thresholds, alert_channels)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.OwnerUserID, d.Name, d.Active, string(status),
		d.Alert.Enabled, string(d.Alert.MinTier), thresholds, channels,
	)
	if err != nil {
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

func jsonOrNil(v any, empty bool) ([]byte, error) {
	if empty {
		return nil, nil
	}
	return json.Marshal(v)
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
