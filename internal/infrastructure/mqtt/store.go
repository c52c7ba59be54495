package mqtt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fieldgate/fieldgate-core/internal/infrastructure/config"
)

// ErrNoStoredConfig indicates no broker settings have been saved yet.
var ErrNoStoredConfig = errors.New("mqtt: no stored broker configuration")

// BrokerSettings are the broker connection settings editable at runtime.
// They live in a single database row and override the YAML defaults on
// the next connection.
type BrokerSettings struct {
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	ClientID  string    `json:"client_id,omitempty"`
	Username  string    `json:"username,omitempty"`
	Password  string    `json:"-"`
	Keepalive int       `json:"keepalive"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConfigStore persists broker settings.
type ConfigStore interface {
	Load(ctx context.Context) (*BrokerSettings, error)
	Save(ctx context.Context, s *BrokerSettings) error
}

// SQLiteConfigStore stores broker settings in the broker_config table.
type SQLiteConfigStore struct {
	db *sql.DB
}

// NewSQLiteConfigStore creates a store backed by the given database.
func NewSQLiteConfigStore(db *sql.DB) *SQLiteConfigStore {
	return &SQLiteConfigStore{db: db}
}

// Load returns the stored broker settings, or ErrNoStoredConfig when the
// row has never been written.
func (s *SQLiteConfigStore) Load(ctx context.Context) (*BrokerSettings, error) {
	query := `SELECT host, port, client_id, username, password, keepalive, updated_at
	          FROM broker_config WHERE id = 1`

	var (
		settings  BrokerSettings
		clientID  sql.NullString
		username  sql.NullString
		password  sql.NullString
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, query).Scan(
		&settings.Host, &settings.Port, &clientID, &username, &password,
		&settings.Keepalive, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoStoredConfig
	}
	if err != nil {
		return nil, fmt.Errorf("loading broker config: %w", err)
	}

	settings.ClientID = clientID.String
	settings.Username = username.String
	settings.Password = password.String
	if t, parseErr := time.Parse(time.RFC3339, updatedAt); parseErr == nil {
		settings.UpdatedAt = t
	}

	return &settings, nil
}

// Save writes the broker settings, replacing any previous row.
func (s *SQLiteConfigStore) Save(ctx context.Context, settings *BrokerSettings) error {
	query := `INSERT INTO broker_config (id, host, port, client_id, username, password, keepalive, updated_at)
	          VALUES (1, ?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT(id) DO UPDATE SET
	              host = excluded.host,
	              port = excluded.port,
	              client_id = excluded.client_id,
	              username = excluded.username,
	              password = excluded.password,
	              keepalive = excluded.keepalive,
	              updated_at = excluded.updated_at`

	settings.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, query,
		settings.Host, settings.Port, settings.ClientID, settings.Username,
		settings.Password, settings.Keepalive,
		settings.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving broker config: %w", err)
	}
	return nil
}

// ApplyStored overlays stored broker settings onto the YAML configuration.
// Empty stored fields keep the YAML value.
func ApplyStored(cfg config.MQTTConfig, stored *BrokerSettings) config.MQTTConfig {
	if stored == nil {
		return cfg
	}
	if stored.Host != "" {
		cfg.Broker.Host = stored.Host
	}
	if stored.Port != 0 {
		cfg.Broker.Port = stored.Port
	}
	if stored.ClientID != "" {
		cfg.Broker.ClientID = stored.ClientID
	}
	if stored.Username != "" {
		cfg.Auth.Username = stored.Username
		cfg.Auth.Password = stored.Password
	}
	if stored.Keepalive != 0 {
		cfg.Keepalive = stored.Keepalive
	}
	return cfg
}
