package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// VirtualRepository defines the interface for virtual device persistence.
type VirtualRepository interface {
	// GetByID retrieves a virtual device by its unique identifier.
	// Returns ErrVirtualNotFound if it does not exist.
	GetByID(ctx context.Context, id string) (*VirtualDevice, error)

	// List retrieves all virtual devices.
	List(ctx context.Context) ([]VirtualDevice, error)

	// ListByParent retrieves all virtual devices built on a parent device.
	ListByParent(ctx context.Context, parentID string) ([]VirtualDevice, error)

	// Create inserts a new virtual device.
	// Returns ErrVirtualExists on an ID or hardware ID collision.
	Create(ctx context.Context, v *VirtualDevice) error

	// Update modifies an existing virtual device.
	// Returns ErrVirtualNotFound if it does not exist.
	Update(ctx context.Context, v *VirtualDevice) error

	// Delete removes a virtual device by ID.
	// Returns ErrVirtualNotFound if it does not exist.
	Delete(ctx context.Context, id string) error
}

// SQLiteVirtualRepository implements VirtualRepository using SQLite.
type SQLiteVirtualRepository struct {
	db *sql.DB
}

// NewSQLiteVirtualRepository creates a new SQLite-backed virtual device repository.
func NewSQLiteVirtualRepository(db *sql.DB) *SQLiteVirtualRepository {
	return &SQLiteVirtualRepository{db: db}
}

const virtualColumns = `id, name, hardware_id, parent_device_id, tag_names, enabled, created_at, updated_at`

// GetByID retrieves a virtual device by its unique identifier.
func (r *SQLiteVirtualRepository) GetByID(ctx context.Context, id string) (*VirtualDevice, error) {
	query := `SELECT ` + virtualColumns + ` FROM virtual_devices WHERE id = ?`

	v, err := scanVirtualDevice(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrVirtualNotFound
		}
		return nil, fmt.Errorf("querying virtual device by id: %w", err)
	}
	return v, nil
}

// List retrieves all virtual devices.
func (r *SQLiteVirtualRepository) List(ctx context.Context) ([]VirtualDevice, error) {
	query := `SELECT ` + virtualColumns + ` FROM virtual_devices ORDER BY name`
	return r.queryVirtualDevices(ctx, query)
}

// ListByParent retrieves all virtual devices built on a parent device.
func (r *SQLiteVirtualRepository) ListByParent(ctx context.Context, parentID string) ([]VirtualDevice, error) {
	query := `SELECT ` + virtualColumns + ` FROM virtual_devices WHERE parent_device_id = ? ORDER BY name`
	return r.queryVirtualDevices(ctx, query, parentID)
}

// Create inserts a new virtual device.
func (r *SQLiteVirtualRepository) Create(ctx context.Context, v *VirtualDevice) error {
	tagsJSON, err := json.Marshal(v.TagNames)
	if err != nil {
		return fmt.Errorf("marshalling tag names: %w", err)
	}

	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now

	query := `
		INSERT INTO virtual_devices (` + virtualColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		v.ID,
		v.Name,
		v.HardwareID,
		v.ParentDeviceID,
		string(tagsJSON),
		boolToInt(v.Enabled),
		v.CreatedAt.Format(time.RFC3339),
		v.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrVirtualExists
		}
		return fmt.Errorf("inserting virtual device: %w", err)
	}
	return nil
}

// Update modifies an existing virtual device.
func (r *SQLiteVirtualRepository) Update(ctx context.Context, v *VirtualDevice) error {
	tagsJSON, err := json.Marshal(v.TagNames)
	if err != nil {
		return fmt.Errorf("marshalling tag names: %w", err)
	}

	v.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE virtual_devices SET
			name = ?, hardware_id = ?, parent_device_id = ?,
			tag_names = ?, enabled = ?, updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		v.Name,
		v.HardwareID,
		v.ParentDeviceID,
		string(tagsJSON),
		boolToInt(v.Enabled),
		v.UpdatedAt.Format(time.RFC3339),
		v.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrVirtualExists
		}
		return fmt.Errorf("updating virtual device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrVirtualNotFound
	}
	return nil
}

// Delete removes a virtual device by ID.
func (r *SQLiteVirtualRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM virtual_devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting virtual device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrVirtualNotFound
	}
	return nil
}

// queryVirtualDevices executes a query and returns a slice of virtual devices.
func (r *SQLiteVirtualRepository) queryVirtualDevices(ctx context.Context, query string, args ...any) ([]VirtualDevice, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying virtual devices: %w", err)
	}
	defer rows.Close()

	var devices []VirtualDevice
	for rows.Next() {
		v, err := scanVirtualDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning virtual device: %w", err)
		}
		devices = append(devices, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating virtual devices: %w", err)
	}
	return devices, nil
}

// scanVirtualDevice scans a virtual device row.
func scanVirtualDevice(row rowScanner) (*VirtualDevice, error) {
	var (
		v         VirtualDevice
		tagsJSON  string
		enabled   int
		createdAt string
		updatedAt string
	)

	err := row.Scan(&v.ID, &v.Name, &v.HardwareID, &v.ParentDeviceID,
		&tagsJSON, &enabled, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(tagsJSON), &v.TagNames); err != nil {
		return nil, fmt.Errorf("unmarshalling tag names: %w", err)
	}
	v.Enabled = enabled != 0

	if v.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if v.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &v, nil
}
