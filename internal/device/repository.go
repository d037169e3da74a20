package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/botcareu/botcareu-core/internal/telemetry"
)

// Repository defines the interface for device persistence.
// This abstraction allows different implementations (SQLite, Postgres,
// mock) and keeps the Tracker free of database dependencies.
type Repository interface {
	// List retrieves all devices, including inactive ones.
	List(ctx context.Context) ([]DeviceState, error)

	// SaveState writes back the runtime fields of a tracked device.
	// Returns ErrDeviceNotFound if the device does not exist.
	SaveState(ctx context.Context, state DeviceState) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open, migrated SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectDevices = `
	SELECT id, owner_user_id, name, active, status, status_at, last_seen,
		battery_level, signal_strength, firmware_version, measurement_interval_ms,
		alert_enabled, alert_min_tier, alert_thresholds, alert_channels,
		created_at, updated_at
	FROM devices`

// GetByID retrieves a device by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*DeviceState, error) {
	row := r.db.QueryRowContext(ctx, selectDevices+" WHERE id = ?", id)
	d, err := scanDeviceRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return d, nil
}

// List retrieves all devices.
func (r *SQLiteRepository) List(ctx context.Context) ([]DeviceState, error) {
	return r.queryDevices(ctx, selectDevices+" ORDER BY id")
}

// ListByOwner retrieves the devices owned by userID.
func (r *SQLiteRepository) ListByOwner(ctx context.Context, userID string) ([]DeviceState, error) {
	return r.queryDevices(ctx, selectDevices+" WHERE owner_user_id = ? ORDER BY id", userID)
}

// Create inserts a new device (provisioning and tests).
func (r *SQLiteRepository) Create(ctx context.Context, d *DeviceState) error {
	if err := d.Validate(); err != nil {
		return err
	}

	thresholdsJSON, channelsJSON, err := marshalAlert(d.Alert)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = telemetry.StatusUnknown
	}
	if d.Alert.MinTier == "" {
		d.Alert.MinTier = telemetry.TierMild
	}

	query := `
		INSERT INTO devices (
			id, owner_user_id, name, active, status, status_at, last_seen,
			battery_level, signal_strength, firmware_version, measurement_interval_ms,
			alert_enabled, alert_min_tier, alert_thresholds, alert_channels,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		d.ID, d.OwnerUserID, d.Name, boolToInt(d.Active), string(d.Status),
		nullableTime(d.StatusAt), nullableTime(d.LastSeen),
		nullableFloat(d.BatteryLevel), nullableInt(d.SignalStrength),
		nullableString(d.FirmwareVersion), nullableInt64(d.MeasurementInterval),
		boolToInt(d.Alert.Enabled), string(d.Alert.MinTier), thresholdsJSON, channelsJSON,
		d.CreatedAt.Format(time.RFC3339), d.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// SaveState writes back the runtime fields. Identity, ownership and alert
// configuration are owned by provisioning and left untouched.
func (r *SQLiteRepository) SaveState(ctx context.Context, d DeviceState) error {
	query := `
		UPDATE devices
		SET active = ?, status = ?, status_at = ?, last_seen = ?,
		    battery_level = ?, signal_strength = ?, firmware_version = ?,
		    measurement_interval_ms = ?, updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		boolToInt(d.Active), string(d.Status),
		nullableTime(d.StatusAt), nullableTime(d.LastSeen),
		nullableFloat(d.BatteryLevel), nullableInt(d.SignalStrength),
		nullableString(d.FirmwareVersion), nullableInt64(d.MeasurementInterval),
		time.Now().UTC().Format(time.RFC3339),
		d.ID,
	)
	if err != nil {
		return fmt.Errorf("saving device state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// queryDevices executes a query and returns a slice of devices.
func (r *SQLiteRepository) queryDevices(ctx context.Context, query string, args ...any) ([]DeviceState, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []DeviceState
	for rows.Next() {
		d, err := scanDeviceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeviceRow(scanner rowScanner) (*DeviceState, error) {
	var (
		d                    DeviceState
		active, alertEnabled int
		status, minTier      string
		statusAt, lastSeen   sql.NullString
		battery              sql.NullFloat64
		signal, interval     sql.NullInt64
		firmware             sql.NullString
		thresholds, channels sql.NullString
		createdAt, updatedAt string
	)

	err := scanner.Scan(
		&d.ID, &d.OwnerUserID, &d.Name, &active, &status, &statusAt, &lastSeen,
		&battery, &signal, &firmware, &interval,
		&alertEnabled, &minTier, &thresholds, &channels,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Active = active != 0
	d.Status = telemetry.DeviceStatus(status)
	d.StatusAt = parseTime(statusAt)
	d.LastSeen = parseTime(lastSeen)
	if battery.Valid {
		v := battery.Float64
		d.BatteryLevel = &v
	}
	if signal.Valid {
		v := int(signal.Int64)
		d.SignalStrength = &v
	}
	if interval.Valid {
		v := interval.Int64
		d.MeasurementInterval = &v
	}
	d.FirmwareVersion = firmware.String

	d.Alert.Enabled = alertEnabled != 0
	d.Alert.MinTier = telemetry.FeverTier(minTier)
	if thresholds.Valid && thresholds.String != "" {
		if err := json.Unmarshal([]byte(thresholds.String), &d.Alert.Thresholds); err != nil {
			return nil, fmt.Errorf("unmarshalling alert_thresholds: %w", err)
		}
	}
	if channels.Valid && channels.String != "" {
		if err := json.Unmarshal([]byte(channels.String), &d.Alert.Channels); err != nil {
			return nil, fmt.Errorf("unmarshalling alert_channels: %w", err)
		}
	}

	d.CreatedAt = parseTime(sql.NullString{String: createdAt, Valid: true})
	d.UpdatedAt = parseTime(sql.NullString{String: updatedAt, Valid: true})
	return &d, nil
}

func marshalAlert(a AlertConfig) (thresholds, channels sql.NullString, err error) {
	if !a.Thresholds.IsZero() {
		b, err := json.Marshal(a.Thresholds)
		if err != nil {
			return thresholds, channels, fmt.Errorf("marshalling alert_thresholds: %w", err)
		}
		thresholds = sql.NullString{String: string(b), Valid: true}
	}
	if len(a.Channels) > 0 {
		b, err := json.Marshal(a.Channels)
		if err != nil {
			return thresholds, channels, fmt.Errorf("marshalling alert_channels: %w", err)
		}
		channels = sql.NullString{String: string(b), Valid: true}
	}
	return thresholds, channels, nil
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// nullableString returns a sql.NullString for optional strings.
func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullableTime stores zero times as NULL and others as RFC3339Nano.
func nullableTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func nullableFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullableInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// boolToInt converts a boolean to 0/1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
