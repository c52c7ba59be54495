package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByID retrieves a device and its tags by unique identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// List retrieves all devices with their tags.
	List(ctx context.Context) ([]Device, error)

	// Create inserts a new device and its tags.
	// Returns ErrDeviceExists if a device with the same ID already exists.
	Create(ctx context.Context, device *Device) error

	// Update modifies an existing device. Tag rows are reconciled against
	// the configured set; runtime state of surviving tags is preserved.
	// Returns ErrDeviceNotFound if the device does not exist.
	Update(ctx context.Context, device *Device) error

	// Delete removes a device by ID together with its tags and any
	// virtual devices built on it.
	// Returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, id string) error

	// UpdateTagState persists the runtime state of a single tag after a
	// read cycle. This is the hot path; it touches only the tags table.
	UpdateTagState(ctx context.Context, deviceID string, tag Tag) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const deviceColumns = `id, name, hardware_id, host, slot, topic_prefix,
		output_format, poll_interval, enabled, auto_start, created_at, updated_at`

// GetByID retrieves a device and its tags by unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}

	if device.Tags, err = r.loadTags(ctx, id); err != nil {
		return nil, err
	}
	return device, nil
}

// List retrieves all devices with their tags.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}

	for i := range devices {
		if devices[i].Tags, err = r.loadTags(ctx, devices[i].ID); err != nil {
			return nil, err
		}
	}
	return devices, nil
}

// Create inserts a new device and its tags in one transaction.
func (r *SQLiteRepository) Create(ctx context.Context, device *Device) error {
	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	query := `
		INSERT INTO devices (` + deviceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = tx.ExecContext(ctx, query,
		device.ID,
		device.Name,
		device.HardwareID,
		device.Host,
		device.Slot,
		device.TopicPrefix,
		string(device.Format),
		device.PollInterval,
		boolToInt(device.Enabled),
		boolToInt(device.AutoStart),
		device.CreatedAt.Format(time.RFC3339),
		device.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}

	if err := upsertTags(ctx, tx, device.ID, device.Tags); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing device insert: %w", err)
	}
	return nil
}

// Update modifies an existing device and reconciles its tag rows.
// Tags removed from the configuration are deleted; surviving tags keep
// their counters and last values.
func (r *SQLiteRepository) Update(ctx context.Context, device *Device) error {
	device.UpdatedAt = time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	query := `
		UPDATE devices SET
			name = ?, hardware_id = ?, host = ?, slot = ?, topic_prefix = ?,
			output_format = ?, poll_interval = ?, enabled = ?, auto_start = ?, updated_at = ?
		WHERE id = ?`

	result, err := tx.ExecContext(ctx, query,
		device.Name,
		device.HardwareID,
		device.Host,
		device.Slot,
		device.TopicPrefix,
		string(device.Format),
		device.PollInterval,
		boolToInt(device.Enabled),
		boolToInt(device.AutoStart),
		device.UpdatedAt.Format(time.RFC3339),
		device.ID,
	)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}

	// Remove tags no longer configured.
	if len(device.Tags) == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tags WHERE device_id = ?`, device.ID); err != nil {
			return fmt.Errorf("deleting tags: %w", err)
		}
	} else {
		placeholders := strings.Repeat(",?", len(device.Tags))[1:]
		args := make([]any, 0, len(device.Tags)+1)
		args = append(args, device.ID)
		for i := range device.Tags {
			args = append(args, device.Tags[i].Name)
		}
		del := `DELETE FROM tags WHERE device_id = ? AND name NOT IN (` + placeholders + `)`
		if _, err := tx.ExecContext(ctx, del, args...); err != nil {
			return fmt.Errorf("pruning tags: %w", err)
		}
	}

	if err := upsertTags(ctx, tx, device.ID, device.Tags); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing device update: %w", err)
	}
	return nil
}

// Delete removes a device by ID. Tags and virtual devices cascade.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
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

// UpdateTagState persists the runtime state of a single tag.
func (r *SQLiteRepository) UpdateTagState(ctx context.Context, deviceID string, tag Tag) error {
	query := `
		UPDATE tags SET
			data_type = ?, last_value = ?, last_read = ?,
			read_count = ?, error_count = ?, last_error = ?
		WHERE device_id = ? AND name = ?`

	result, err := r.db.ExecContext(ctx, query,
		tag.DataType,
		nullableString(tag.LastValue),
		nullableTime(tag.LastRead),
		tag.ReadCount,
		tag.ErrorCount,
		nullableString(tag.LastError),
		deviceID,
		tag.Name,
	)
	if err != nil {
		return fmt.Errorf("updating tag state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrTagNotFound
	}
	return nil
}

// upsertTags inserts or repositions the configured tag rows.
// Existing rows keep their runtime state; only position changes.
func upsertTags(ctx context.Context, tx *sql.Tx, deviceID string, tags []Tag) error {
	query := `
		INSERT INTO tags (device_id, name, data_type, position)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id, name) DO UPDATE SET position = excluded.position`

	for i := range tags {
		if _, err := tx.ExecContext(ctx, query, deviceID, tags[i].Name, tags[i].DataType, i); err != nil {
			return fmt.Errorf("upserting tag %q: %w", tags[i].Name, err)
		}
	}
	return nil
}

// loadTags retrieves the tag rows for a device in configured order.
func (r *SQLiteRepository) loadTags(ctx context.Context, deviceID string) ([]Tag, error) {
	query := `
		SELECT name, data_type, last_value, last_read, read_count, error_count, last_error
		FROM tags
		WHERE device_id = ?
		ORDER BY position`

	rows, err := r.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("querying tags: %w", err)
	}
	defer rows.Close()

	var tags []Tag
	for rows.Next() {
		var (
			t         Tag
			dataType  sql.NullString
			lastValue sql.NullString
			lastRead  sql.NullString
			lastError sql.NullString
		)
		if err := rows.Scan(&t.Name, &dataType, &lastValue, &lastRead,
			&t.ReadCount, &t.ErrorCount, &lastError); err != nil {
			return nil, fmt.Errorf("scanning tag: %w", err)
		}
		t.DataType = dataType.String
		if lastValue.Valid {
			t.LastValue = &lastValue.String
		}
		if lastRead.Valid {
			if ts, err := time.Parse(time.RFC3339, lastRead.String); err == nil {
				t.LastRead = &ts
			}
		}
		if lastError.Valid {
			t.LastError = &lastError.String
		}
		tags = append(tags, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tags: %w", err)
	}
	return tags, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanDevice.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDevice scans a device row (without its tags).
func scanDevice(row rowScanner) (*Device, error) {
	var (
		d         Device
		format    string
		enabled   int
		autoStart int
		createdAt string
		updatedAt string
	)

	err := row.Scan(
		&d.ID, &d.Name, &d.HardwareID, &d.Host, &d.Slot, &d.TopicPrefix,
		&format, &d.PollInterval, &enabled, &autoStart, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Format = OutputFormat(format)
	d.Enabled = enabled != 0
	d.AutoStart = autoStart != 0

	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &d, nil
}

// nullableString returns a sql.NullString for optional string pointers.
func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// nullableTime returns a sql.NullString for optional time pointers (as RFC3339 strings).
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
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
