package persistence

import (
	"CandleLedger/internal/observability"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// migrationLockKey serializes migrators across processes sharing a database.
const migrationLockKey int64 = 0x43414e444c45 // "CANDLE"

var ErrMigrationDrift = errors.New("applied migration differs from file")

// migration pairs an up file with its optional down file. Files follow the
// golang-migrate naming: {version}_{name}.up.sql / .down.sql
type migration struct {
	Version  string
	UpFile   string
	DownFile string
	Checksum string // hex SHA-256 of the up file
}

// MigrationStatus is one known migration and whether it has been applied.
type MigrationStatus struct {
	Version  string
	Filename string
	Applied  bool
	Drifted  bool // applied with a different checksum
}

type Migrator struct {
	db     *sql.DB
	files  fs.FS
	logger zerolog.Logger
}

// NewMigrator reads migrations from files; pass migrations.FS or os.DirFS(dir).
func NewMigrator(db *sql.DB, files fs.FS) *Migrator {
	return &Migrator{db: db, files: files, logger: observability.NewLogger("migrator")}
}

// Up applies all pending migrations in version order. An applied migration
// whose file changed since fails with ErrMigrationDrift.
func (m *Migrator) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		all, err := m.loadMigrations()
		if err != nil {
			return err
		}
		applied, err := appliedChecksums(ctx, conn)
		if err != nil {
			return err
		}

		for _, mig := range all {
			if sum, ok := applied[mig.Version]; ok {
				if sum != "" && sum != mig.Checksum {
					return fmt.Errorf("%w: %s", ErrMigrationDrift, mig.UpFile)
				}
				continue
			}
			err := m.exec(ctx, conn, mig.UpFile,
				`INSERT INTO public.candle_schema_migrations (version, filename, checksum) VALUES ($1, $2, $3)`,
				mig.Version, mig.UpFile, mig.Checksum)
			if err != nil {
				return err
			}
			m.logger.Info().Str("file", mig.UpFile).Msg("applied migration")
		}
		return nil
	})
}

// Down rolls back the latest applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		var version string
		err := conn.QueryRowContext(ctx,
			`SELECT version FROM public.candle_schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		all, err := m.loadMigrations()
		if err != nil {
			return err
		}
		idx := sort.Search(len(all), func(i int) bool { return all[i].Version >= version })
		if idx == len(all) || all[idx].Version != version || all[idx].DownFile == "" {
			return fmt.Errorf("no down migration for version %s", version)
		}

		downFile := all[idx].DownFile
		if err := m.exec(ctx, conn, downFile,
			`DELETE FROM public.candle_schema_migrations WHERE version = $1`, version); err != nil {
			return err
		}
		m.logger.Info().Str("file", downFile).Msg("rolled back migration")
		return nil
	})
}

// Status lists every known migration with its applied and drift flags.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	var out []MigrationStatus
	err := m.locked(ctx, func(conn *sql.Conn) error {
		all, err := m.loadMigrations()
		if err != nil {
			return err
		}
		applied, err := appliedChecksums(ctx, conn)
		if err != nil {
			return err
		}
		for _, mig := range all {
			sum, ok := applied[mig.Version]
			out = append(out, MigrationStatus{
				Version:  mig.Version,
				Filename: mig.UpFile,
				Applied:  ok,
				Drifted:  ok && sum != "" && sum != mig.Checksum,
			})
		}
		return nil
	})
	return out, err
}

// locked runs fn on one connection holding the migration advisory lock.
func (m *Migrator) locked(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey)

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.candle_schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return fn(conn)
}

// exec runs one file and its bookkeeping statement in a single transaction.
func (m *Migrator) exec(ctx context.Context, conn *sql.Conn, file, record string, args ...any) error {
	content, err := fs.ReadFile(m.files, file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", file, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func appliedChecksums(ctx context.Context, conn *sql.Conn) (map[string]string, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM public.candle_schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var v, sum string
		if err := rows.Scan(&v, &sum); err != nil {
			return nil, err
		}
		applied[v] = sum
	}
	return applied, rows.Err()
}

// loadMigrations reads the top-level *.up.sql / *.down.sql files, sorted
// by version. Nested directories are ignored.
func (m *Migrator) loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(m.files, ".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[string]*migration)
	get := func(v string) *migration {
		if byVersion[v] == nil {
			byVersion[v] = &migration{Version: v}
		}
		return byVersion[v]
	}

	for _, e := range entries {
		name := e.Name()
		switch {
		case e.IsDir():
		case strings.HasSuffix(name, ".up.sql"):
			content, err := fs.ReadFile(m.files, name)
			if err != nil {
				return nil, fmt.Errorf("read migration %s: %w", name, err)
			}
			sum := sha256.Sum256(content)
			mig := get(extractVersion(name))
			mig.UpFile = name
			mig.Checksum = hex.EncodeToString(sum[:])
		case strings.HasSuffix(name, ".down.sql"):
			get(extractVersion(name)).DownFile = name
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.UpFile == "" {
			return nil, fmt.Errorf("migration %s has a down file but no up file", mig.Version)
		}
		out = append(out, *mig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// extractVersion returns the numeric prefix of a migration filename,
// e.g. "000001_event_log.up.sql" -> "000001".
func extractVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
