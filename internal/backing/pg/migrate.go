package pg

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	migrations "github.com/dropDatabas3/hellogrid/migrations/postgres"
)

// Formato de archivo: {version}_{name}.sql (ej: 0001_grid.sql)
var migrationFilePattern = regexp.MustCompile(`^(\d+)_(.+)\.sql$`)

// Migration representa una migración individual.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// ParseMigrations lee las migraciones embebidas, ordenadas por versión.
func ParseMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}
	var out []Migration
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := migrationFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		version, _ := strconv.Atoi(m[1])
		content, err := fs.ReadFile(fsys, path.Clean(e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		out = append(out, Migration{Version: version, Name: m[2], SQL: string(content)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// EnsureSchema aplica las migraciones pendientes. La primera migración crea
// también la tabla de control, por eso se corre siempre (es idempotente).
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) ([]int, error) {
	migs, err := ParseMigrations(migrations.FS)
	if err != nil {
		return nil, fmt.Errorf("parsing migrations: %w", err)
	}
	if len(migs) == 0 {
		return nil, nil
	}
	if _, err := pool.Exec(ctx, migs[0].SQL); err != nil {
		return nil, fmt.Errorf("applying migration %d_%s: %w", migs[0].Version, migs[0].Name, err)
	}

	var applied []int
	for _, mig := range migs {
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx,
				`INSERT INTO grid_schema_migrations (version, name) VALUES ($1, $2) ON CONFLICT (version) DO NOTHING`,
				mig.Version, mig.Name)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return nil
			}
			applied = append(applied, mig.Version)
			if mig.Version == migs[0].Version {
				return nil
			}
			_, err = tx.Exec(ctx, mig.SQL)
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("applying migration %d_%s: %w", mig.Version, mig.Name, err)
		}
	}
	return applied, nil
}
