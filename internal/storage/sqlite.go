package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lachiem1/drexpay/internal/auth"
)

type Mode string

const (
	ModeSecure Mode = "secure"
	ModePlain  Mode = "plain"
)

const schemaVersion = 3

type Config struct {
	Mode Mode
	Path string
}

// Open opens the tracker database at path (see ResolvePath) and migrates it.
// sqlcipher builds open an encrypted file keyed from the system keyring;
// other builds open a plain sqlite file.
func Open(ctx context.Context, path string) (*sql.DB, Config, error) {
	cfg, err := ResolvePath(path)
	if err != nil {
		return nil, Config{}, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, Config{}, fmt.Errorf("create db directory: %w", err)
	}

	var db *sql.DB
	if secureSQLiteSupported() {
		key, created, err := ensureDBKey()
		if err != nil {
			return nil, Config{}, fmt.Errorf("ensure secure db key: %w", err)
		}
		if created {
			exists, err := hasLocalDBFiles(cfg.Path)
			if err != nil {
				return nil, Config{}, fmt.Errorf("inspect db files: %w", err)
			}
			// A fresh key cannot decrypt an old file.
			if exists {
				if err := resetLocalDBFiles(cfg.Path); err != nil {
					return nil, Config{}, fmt.Errorf("reset db after key creation: %w", err)
				}
			}
		}
		db, err = openSecureSQLite(cfg.Path, key)
		if err != nil {
			return nil, Config{}, err
		}
	} else {
		cfg.Mode = ModePlain
		db, err = openPlainSQLite(cfg.Path)
		if err != nil {
			return nil, Config{}, err
		}
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, Config{}, err
	}
	return db, cfg, nil
}

// Wipe removes local database files for the resolved DB path.
func Wipe(path string) (Config, error) {
	cfg, err := ResolvePath(path)
	if err != nil {
		return Config{}, err
	}
	if err := resetLocalDBFiles(cfg.Path); err != nil {
		return Config{}, fmt.Errorf("wipe local db files: %w", err)
	}
	return cfg, nil
}

// ResolvePath picks the database file: the explicit path, then
// DREXPAY_DB_PATH, then drexpay.db under the user config directory.
func ResolvePath(path string) (Config, error) {
	if p := strings.TrimSpace(path); p != "" {
		return Config{Mode: ModeSecure, Path: p}, nil
	}
	if p := strings.TrimSpace(os.Getenv("DREXPAY_DB_PATH")); p != "" {
		return Config{Mode: ModeSecure, Path: p}, nil
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return Config{}, fmt.Errorf("resolve user config directory: %w", err)
	}
	return Config{
		Mode: ModeSecure,
		Path: filepath.Join(configDir, "drexpay", "drexpay.db"),
	}, nil
}

func ensureDBKey() (key string, created bool, err error) {
	key, err = auth.LoadDBKey()
	if err == nil && strings.TrimSpace(key) != "" {
		return key, false, nil
	}

	newKey, err := auth.GenerateRandomKey()
	if err != nil {
		return "", false, err
	}
	if err := auth.SaveDBKey(newKey); err != nil {
		return "", false, err
	}
	return newKey, true, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	const bootstrapSchema = `
CREATE TABLE IF NOT EXISTS schema_migrations (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  version INTEGER NOT NULL
);

INSERT OR IGNORE INTO schema_migrations (id, version) VALUES (1, 1);
`
	if _, err := db.ExecContext(ctx, bootstrapSchema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}

	var currentVersion int
	if err := db.QueryRowContext(ctx, "SELECT version FROM schema_migrations WHERE id = 1").Scan(&currentVersion); err != nil {
		return fmt.Errorf("read sqlite schema version: %w", err)
	}

	if currentVersion > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", currentVersion, schemaVersion)
	}
	if currentVersion < 2 {
		if err := applyV2Migrations(ctx, db); err != nil {
			return err
		}
		currentVersion = 2
	}
	if currentVersion < 3 {
		if err := applyV3Migrations(ctx, db); err != nil {
			return err
		}
	}
	return nil
}

func applyV2Migrations(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS refresh_state (
  collection TEXT PRIMARY KEY,
  last_success_at TEXT,
  last_attempt_at TEXT,
  last_error TEXT,
  last_row_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS app_config (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS services (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  total_cost TEXT NOT NULL DEFAULT '0',
  fixed_price TEXT,
  max_slots INTEGER NOT NULL DEFAULT 0,
  billing_day INTEGER NOT NULL CHECK (billing_day BETWEEN 1 AND 31),
  display_order INTEGER NOT NULL DEFAULT 2147483647,
  last_loaded_at TEXT NOT NULL,
  is_active INTEGER NOT NULL DEFAULT 1 CHECK (is_active IN (0,1))
);

CREATE INDEX IF NOT EXISTS idx_services_display_order ON services(display_order);

CREATE TABLE IF NOT EXISTS members (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS subscriptions (
  member_id TEXT NOT NULL REFERENCES members(id) ON DELETE CASCADE,
  service_id TEXT NOT NULL REFERENCES services(id),
  created_at TEXT NOT NULL,
  PRIMARY KEY (member_id, service_id)
);

CREATE INDEX IF NOT EXISTS idx_subscriptions_service_id ON subscriptions(service_id);

CREATE TABLE IF NOT EXISTS payments (
  id TEXT PRIMARY KEY,
  member_id TEXT NOT NULL,
  service_id TEXT NOT NULL,
  amount TEXT NOT NULL,
  status TEXT NOT NULL CHECK (status IN ('unpaid','pending','paid')),
  period_date TEXT NOT NULL,
  paid_at TEXT,
  method TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_key ON payments(member_id, service_id, period_date);
CREATE INDEX IF NOT EXISTS idx_payments_period_date ON payments(period_date);
`
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sqlite migration v2 transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite v2 migrations: %w", err)
	}
	if _, err = tx.ExecContext(ctx, "UPDATE schema_migrations SET version = 2 WHERE id = 1"); err != nil {
		return fmt.Errorf("update sqlite schema version to 2: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit sqlite v2 migrations: %w", err)
	}
	return nil
}

// v3 stores avatar initials alongside the member name.
func applyV3Migrations(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sqlite migration v3 transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	hasInitials, err := tableHasColumn(ctx, tx, "members", "avatar_initials")
	if err != nil {
		return err
	}
	if !hasInitials {
		if _, err = tx.ExecContext(
			ctx,
			"ALTER TABLE members ADD COLUMN avatar_initials TEXT NOT NULL DEFAULT ''",
		); err != nil {
			return fmt.Errorf("add members.avatar_initials column: %w", err)
		}
	}

	rows, err := tx.QueryContext(ctx, "SELECT id, name FROM members WHERE avatar_initials = ''")
	if err != nil {
		return fmt.Errorf("query members missing initials: %w", err)
	}
	backfill := map[string]string{}
	for rows.Next() {
		var id, name string
		if err = rows.Scan(&id, &name); err != nil {
			rows.Close()
			return fmt.Errorf("scan member for initials: %w", err)
		}
		backfill[id] = Initials(name)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return fmt.Errorf("read members for initials: %w", err)
	}
	for id, initials := range backfill {
		if _, err = tx.ExecContext(ctx, "UPDATE members SET avatar_initials = ? WHERE id = ?", initials, id); err != nil {
			return fmt.Errorf("backfill initials for member %q: %w", id, err)
		}
	}

	if _, err = tx.ExecContext(ctx, "UPDATE schema_migrations SET version = 3 WHERE id = 1"); err != nil {
		return fmt.Errorf("update sqlite schema version to 3: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit sqlite v3 migrations: %w", err)
	}
	return nil
}

func tableHasColumn(ctx context.Context, tx *sql.Tx, tableName, columnName string) (bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return false, fmt.Errorf("query table info for %s: %w", tableName, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid          int
			name         string
			ctype        sql.NullString
			notNull      int
			defaultValue sql.NullString
			pk           int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &defaultValue, &pk); err != nil {
			return false, fmt.Errorf("scan table info for %s: %w", tableName, err)
		}
		if name == columnName {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("read table info rows for %s: %w", tableName, err)
	}
	return false, nil
}

func hasLocalDBFiles(path string) (bool, error) {
	for _, p := range localDBFiles(path) {
		_, err := os.Stat(p)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return false, err
		}
	}
	return false, nil
}

func resetLocalDBFiles(path string) error {
	for _, p := range localDBFiles(path) {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func localDBFiles(path string) []string {
	return []string{path, path + "-wal", path + "-shm"}
}
