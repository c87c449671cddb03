// Package postgres is the networked Store backed by PostgreSQL via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gameontext/gameon-map-sub000/internal/clock"
	"github.com/gameontext/gameon-map-sub000/internal/site"
	"github.com/gameontext/gameon-map-sub000/internal/storage"
	"github.com/gameontext/gameon-map-sub000/internal/storage/postgres/migrations"
)

const (
	siteColumns = `id, rev, type, x, y, owner, info, created_at, assigned_at`

	uniqueViolation   = "23505"
	coordConstraint   = "sites_coord_key"
	nameConstraint    = "sites_owner_name_key"
	primaryConstraint = "sites_pkey"
)

// Store persists sites in PostgreSQL.
type Store struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

// Options configures Open.
type Options struct {
	Clock  clock.Clock
	Logger *slog.Logger
}

// Open connects to url and applies the embedded migrations.
func Open(ctx context.Context, url string, opts Options) (*Store, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("postgres url is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrate(ctx, pool, migrations.FS, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{pool: pool, clock: c}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool, migrationFS fs.FS, logger *slog.Logger) error {
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		content, err := fs.ReadFile(migrationFS, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT DO NOTHING`, name)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return nil
			}
			logger.Info("applying migration", "name", name)
			_, err = tx.Exec(ctx, string(content))
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Get(ctx context.Context, id string) (site.Site, error) {
	return scanSite(s.pool.QueryRow(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = $1`, id))
}

func (s *Store) FindByCoord(ctx context.Context, c site.Coord) (site.Site, error) {
	return scanSite(s.pool.QueryRow(ctx, `SELECT `+siteColumns+` FROM sites WHERE x = $1 AND y = $2`, c.X, c.Y))
}

func (s *Store) Create(ctx context.Context, in site.Site) (site.Site, error) {
	if err := storage.Validate(in); err != nil {
		return site.Site{}, err
	}
	rec := in.Clone()
	rec.Exits = nil
	if rec.ID == "" {
		rec.ID = storage.NewID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock.Now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Microsecond)
	rec.Rev = storage.NextRev("")
	info, err := encodeInfo(rec.Info)
	if err != nil {
		return site.Site{}, err
	}

	// Deferred constraints fire at commit; run in a transaction so the
	// violation surfaces here rather than being lost.
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO sites (id, rev, type, x, y, owner, name, info, created_at, assigned_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			rec.ID, rec.Rev, string(rec.Type), rec.Coord.X, rec.Coord.Y, rec.Owner, rec.Name(),
			info, rec.CreatedAt, rec.AssignedAt,
		)
		return err
	})
	if err != nil {
		if constraintOf(err) == primaryConstraint {
			current, _ := s.Get(ctx, rec.ID)
			return site.Site{}, &storage.ConflictError{ID: rec.ID, Current: current.Rev}
		}
		return site.Site{}, mapConstraint(err, "create site")
	}
	return rec, nil
}

func (s *Store) Update(ctx context.Context, in site.Site) (site.Site, error) {
	out, err := s.UpdateAll(ctx, []site.Site{in})
	if err != nil {
		return site.Site{}, err
	}
	return out[0], nil
}

// UpdateAll writes every site in one transaction. The coordinate
// constraint is deferred, so sites may trade places.
func (s *Store) UpdateAll(ctx context.Context, in []site.Site) ([]site.Site, error) {
	for _, rec := range in {
		if err := storage.Validate(rec); err != nil {
			return nil, err
		}
	}
	out := make([]site.Site, 0, len(in))
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		out = out[:0]
		for _, rec := range in {
			written, err := s.writeSite(ctx, tx, rec)
			if err != nil {
				return err
			}
			out = append(out, written)
		}
		return nil
	})
	if err != nil {
		var ce *storage.ConflictError
		if errors.As(err, &ce) || errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, mapConstraint(err, "update sites")
	}
	return out, nil
}

func (s *Store) writeSite(ctx context.Context, tx pgx.Tx, in site.Site) (site.Site, error) {
	rec := in.Clone()
	rec.Exits = nil
	prevRev := rec.Rev
	rec.Rev = storage.NextRev(prevRev)
	info, err := encodeInfo(rec.Info)
	if err != nil {
		return site.Site{}, err
	}
	var createdAt time.Time
	err = tx.QueryRow(ctx,
		`UPDATE sites
		 SET rev = $1, type = $2, x = $3, y = $4, owner = $5, name = $6, info = $7, assigned_at = $8
		 WHERE id = $9 AND rev = $10
		 RETURNING created_at`,
		rec.Rev, string(rec.Type), rec.Coord.X, rec.Coord.Y, rec.Owner, rec.Name(), info,
		rec.AssignedAt, rec.ID, prevRev,
	).Scan(&createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return site.Site{}, s.explainMiss(ctx, tx, in)
	}
	if err != nil {
		return site.Site{}, err
	}
	rec.CreatedAt = createdAt.UTC()
	return rec, nil
}

func (s *Store) Delete(ctx context.Context, id, rev string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sites WHERE id = $1 AND rev = $2`, id, rev)
	if err != nil {
		return fmt.Errorf("delete site: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := s.pool.QueryRow(ctx, `SELECT rev FROM sites WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		return &storage.ConflictError{ID: id, Expected: rev, Current: current}
	}
	return nil
}

func (s *Store) explainMiss(ctx context.Context, tx pgx.Tx, in site.Site) error {
	var current string
	err := tx.QueryRow(ctx, `SELECT rev FROM sites WHERE id = $1`, in.ID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("site %s: %w", in.ID, storage.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return &storage.ConflictError{ID: in.ID, Expected: in.Rev, Current: current}
}

func (s *Store) FindInRange(ctx context.Context, min, max site.Coord) ([]site.Site, error) {
	return s.query(ctx,
		`SELECT `+siteColumns+` FROM sites
		 WHERE x BETWEEN $1 AND $2 AND y BETWEEN $3 AND $4
		 ORDER BY x, y`,
		min.X, max.X, min.Y, max.Y)
}

func (s *Store) List(ctx context.Context, f storage.Filter) ([]site.Site, error) {
	var where []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Owner != "" {
		add("owner = $%d", f.Owner)
	}
	if f.Name != "" {
		add("name = $%d", f.Name)
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	q := `SELECT ` + siteColumns + ` FROM sites`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	return s.query(ctx, q+` ORDER BY x, y`, args...)
}

func (s *Store) FindEmpty(ctx context.Context, limit int) ([]site.Site, error) {
	if limit <= 0 {
		limit = 1
	}
	return s.query(ctx,
		`SELECT `+siteColumns+` FROM sites
		 WHERE type IN ('empty', 'placeholder')
		 ORDER BY (x * x + y * y), created_at
		 LIMIT $1`, limit)
}

func (s *Store) Count(ctx context.Context) (map[site.Type]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT type, COUNT(*) FROM sites GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("count sites: %w", err)
	}
	defer rows.Close()
	out := map[site.Type]int{}
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		out[site.Type(t)] = n
	}
	return out, rows.Err()
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]site.Site, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query sites: %w", err)
	}
	defer rows.Close()
	out := make([]site.Site, 0)
	for rows.Next() {
		rec, err := scanSite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanSite(row pgx.Row) (site.Site, error) {
	var (
		rec        site.Site
		typ        string
		info       []byte
		assignedAt *time.Time
	)
	err := row.Scan(&rec.ID, &rec.Rev, &typ, &rec.Coord.X, &rec.Coord.Y, &rec.Owner, &info, &rec.CreatedAt, &assignedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return site.Site{}, storage.ErrNotFound
	}
	if err != nil {
		return site.Site{}, fmt.Errorf("scan site: %w", err)
	}
	rec.Type = site.Type(typ)
	rec.CreatedAt = rec.CreatedAt.UTC()
	if assignedAt != nil {
		t := assignedAt.UTC()
		rec.AssignedAt = &t
	}
	if len(info) > 0 {
		var ri site.RoomInfo
		if err := json.Unmarshal(info, &ri); err != nil {
			return site.Site{}, fmt.Errorf("decode room info for %s: %w", rec.ID, err)
		}
		rec.Info = &ri
	}
	return rec, nil
}

func encodeInfo(info *site.RoomInfo) ([]byte, error) {
	if info == nil {
		return nil, nil
	}
	b, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("encode room info: %w", err)
	}
	return b, nil
}

func constraintOf(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return pgErr.ConstraintName
	}
	return ""
}

func mapConstraint(err error, op string) error {
	switch constraintOf(err) {
	case coordConstraint:
		return fmt.Errorf("%s: %w", op, storage.ErrCoordinateTaken)
	case nameConstraint:
		return fmt.Errorf("%s: %w", op, storage.ErrNameTaken)
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ storage.Store = (*Store)(nil)
