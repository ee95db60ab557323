package db

import (
	"context"
	"io/fs"
	"path"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// migrationLockID serializes concurrent migrate runs across processes.
const migrationLockID = 7340211

// Migrate applies every *.sql file under dir in fsys that is not yet
// recorded in schema_migrations, in lexicographic order. Each file runs in
// its own transaction together with its bookkeeping row.
func Migrate(ctx context.Context, pool Pool, fsys fs.FS, dir string) error {
	log := zap.L().With(zap.String("component", "db.migrate"))

	if _, err := pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return eris.Wrap(err, "db: acquire migration lock")
	}
	defer func() {
		if _, err := pool.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			log.Warn("db: release migration lock", zap.Error(err))
		}
	}()

	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return eris.Wrap(err, "db: ensure schema_migrations")
	}

	names, err := fs.Glob(fsys, path.Join(dir, "*.sql"))
	if err != nil {
		return eris.Wrap(err, "db: list migrations")
	}
	sort.Strings(names)

	applied, err := appliedMigrations(ctx, pool)
	if err != nil {
		return err
	}

	for _, name := range names {
		base := path.Base(name)
		if applied[base] {
			continue
		}
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return eris.Wrapf(err, "db: read migration %s", base)
		}
		if err := applyMigration(ctx, pool, base, string(data)); err != nil {
			return err
		}
		log.Info("migration applied", zap.String("file", base))
	}
	return nil
}

func applyMigration(ctx context.Context, pool Pool, name, sql string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return eris.Wrapf(err, "db: begin migration %s", name)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, sql); err != nil {
		return eris.Wrapf(err, "db: apply migration %s", name)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", name); err != nil {
		return eris.Wrapf(err, "db: record migration %s", name)
	}
	return eris.Wrapf(tx.Commit(ctx), "db: commit migration %s", name)
}

func appliedMigrations(ctx context.Context, pool Pool) (map[string]bool, error) {
	rows, err := pool.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "db: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "db: scan migration row")
		}
		applied[name] = true
	}
	return applied, eris.Wrap(rows.Err(), "db: iterate migrations")
}
