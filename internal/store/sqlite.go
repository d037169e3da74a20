package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/botcareu/botcareu-core/internal/audit"
	"github.com/botcareu/botcareu-core/internal/device"
	"github.com/botcareu/botcareu-core/internal/notify"
	"github.com/botcareu/botcareu-core/internal/telemetry"
)

// SQLite is the gateway over the migrated SQLite database. Device state
// is served by the embedded device repository.
type SQLite struct {
	*device.SQLiteRepository

	db    *sql.DB
	audit *audit.SQLiteRepository
	clock telemetry.Clock
}

// NewSQLite creates a gateway over an open, migrated database.
func NewSQLite(db *sql.DB, clock telemetry.Clock) *SQLite {
	if clock == nil {
		clock = telemetry.SystemClock{}
	}
	return &SQLite{
		SQLiteRepository: device.NewSQLiteRepository(db),
		db:               db,
		audit:            audit.NewSQLiteRepository(db),
		clock:            clock,
	}
}

// Audit returns the audit log repository sharing this database.
func (s *SQLite) Audit() *audit.SQLiteRepository { return s.audit }

// AppendReading stores a classified sample. Samples are keyed by their
// deterministic ID, so a redelivered reading is stored once.
func (s *SQLite) AppendReading(ctx context.Context, r telemetry.Sample) error {
	reasons, err := marshalReasons(r.Reasons)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO readings (id, device_id, infrared_temp, contact_temp, ambient_temp,
			primary_temp, measurement_type, is_valid, fever_tier, raw_tier,
			invalid_reasons, recorded_at, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		r.ID, r.DeviceID, nullFloat(r.InfraredTemp), nullFloat(r.ContactTemp), nullFloat(r.AmbientTemp),
		r.Primary, string(r.Type), boolInt(r.Valid), string(r.Tier), string(r.RawTier),
		reasons, formatTime(r.Timestamp), formatTime(s.clock.Now()),
	)
	if err != nil {
		return fmt.Errorf("inserting reading: %w", err)
	}
	return nil
}

// ListReadings returns up to limit readings of deviceID, newest first.
func (s *SQLite) ListReadings(ctx context.Context, deviceID string, limit int) ([]telemetry.Sample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, infrared_temp, contact_temp, ambient_temp, primary_temp,
			measurement_type, is_valid, fever_tier, raw_tier, invalid_reasons, recorded_at
		FROM readings
		WHERE device_id = ?
		ORDER BY recorded_at DESC
		LIMIT ?`, deviceID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying readings: %w", err)
	}
	defer rows.Close()

	out := []telemetry.Sample{}
	for rows.Next() {
		var (
			r                telemetry.Sample
			ir, contact, amb sql.NullFloat64
			mtype, tier, raw string
			valid            int
			reasons          sql.NullString
			recordedAt       string
		)
		if err := rows.Scan(&r.ID, &r.DeviceID, &ir, &contact, &amb, &r.Primary,
			&mtype, &valid, &tier, &raw, &reasons, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning reading: %w", err)
		}
		r.InfraredTemp = floatPtr(ir)
		r.ContactTemp = floatPtr(contact)
		r.AmbientTemp = floatPtr(amb)
		r.Type = telemetry.MeasurementType(mtype)
		r.Valid = valid != 0
		r.Tier = telemetry.FeverTier(tier)
		r.RawTier = telemetry.FeverTier(raw)
		if reasons.Valid && reasons.String != "" {
			if err := json.Unmarshal([]byte(reasons.String), &r.Reasons); err != nil {
				return nil, fmt.Errorf("unmarshalling invalid_reasons: %w", err)
			}
		}
		if r.Timestamp, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
			return nil, fmt.Errorf("parsing recorded_at %q: %w", recordedAt, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating readings: %w", err)
	}
	return out, nil
}

// RecordNotification upserts the intent, its per-channel attempts and,
// for failed or expired intents, an audit entry, in one transaction.
func (s *SQLite) RecordNotification(ctx context.Context, in *notify.Intent, status string) error {
	payload, err := marshalNullable(in.Payload)
	if err != nil {
		return fmt.Errorf("marshalling payload: %w", err)
	}
	channels, err := json.Marshal(in.Channels)
	if err != nil {
		return fmt.Errorf("marshalling channels: %w", err)
	}
	now := formatTime(s.clock.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, device_id, alert_type, priority, severity,
			title, message, payload, channels, status, retry_count, created_at, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			retry_count = excluded.retry_count,
			updated_at = excluded.updated_at`,
		in.ID, in.UserID, nullString(in.DeviceID), string(in.Type), string(in.Priority), string(in.Severity),
		in.Title, in.Message, payload, string(channels), status, in.RetryCount,
		formatTime(in.CreatedAt), formatTime(in.ExpiresAt), now,
	)
	if err != nil {
		return fmt.Errorf("upserting notification: %w", err)
	}

	for _, a := range attemptList(in) {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO delivery_attempts (notification_id, channel, attempts, sent, last_error, attempted_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(notification_id, channel) DO UPDATE SET
				attempts = excluded.attempts,
				sent = excluded.sent,
				last_error = excluded.last_error,
				attempted_at = excluded.attempted_at`,
			in.ID, string(a.Channel), a.Attempts, boolInt(a.Sent), nullString(a.LastError), formatTime(a.Timestamp),
		)
		if err != nil {
			return fmt.Errorf("upserting %s attempt: %w", a.Channel, err)
		}
	}

	if action := auditAction(status); action != "" {
		if err := audit.CreateTx(ctx, tx, &audit.Log{
			Action:     action,
			EntityType: audit.EntityNotification,
			EntityID:   in.ID,
			UserID:     in.UserID,
			Source:     audit.SourceDispatcher,
			Details:    auditDetails(in),
			CreatedAt:  s.clock.Now(),
		}); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing notification: %w", err)
	}
	return nil
}

// Recipient implements notify.RecipientDirectory. A user without a
// contacts row has no addresses.
func (s *SQLite) Recipient(ctx context.Context, userID string) (notify.Recipient, error) {
	r := notify.Recipient{UserID: userID}
	var email, phone, tokens sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT email, phone, push_tokens FROM user_contacts WHERE user_id = ?`, userID,
	).Scan(&email, &phone, &tokens)
	if errors.Is(err, sql.ErrNoRows) {
		return r, nil
	}
	if err != nil {
		return r, fmt.Errorf("querying contacts: %w", err)
	}
	r.Email = email.String
	r.Phone = phone.String
	if tokens.Valid && tokens.String != "" {
		if err := json.Unmarshal([]byte(tokens.String), &r.PushTokens); err != nil {
			return r, fmt.Errorf("unmarshalling push_tokens: %w", err)
		}
	}
	return r, nil
}

// SaveContacts upserts a user's delivery addresses.
func (s *SQLite) SaveContacts(ctx context.Context, r notify.Recipient) error {
	tokens, err := marshalNullable(r.PushTokens)
	if err != nil {
		return fmt.Errorf("marshalling push_tokens: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_contacts (user_id, email, phone, push_tokens)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			email = excluded.email, phone = excluded.phone, push_tokens = excluded.push_tokens`,
		r.UserID, nullString(r.Email), nullString(r.Phone), tokens,
	)
	if err != nil {
		return fmt.Errorf("upserting contacts: %w", err)
	}
	return nil
}

// NotificationStatus returns the recorded status and retry count of an intent.
func (s *SQLite) NotificationStatus(ctx context.Context, id string) (status string, retries int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT status, retry_count FROM notifications WHERE id = ?`, id,
	).Scan(&status, &retries)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, ErrNotFound
	}
	if err != nil {
		return "", 0, fmt.Errorf("querying notification: %w", err)
	}
	return status, retries, nil
}
