// Package sqlite is the embedded Store backed by modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/gameontext/gameon-map-sub000/internal/clock"
	"github.com/gameontext/gameon-map-sub000/internal/site"
	"github.com/gameontext/gameon-map-sub000/internal/storage"
	"github.com/gameontext/gameon-map-sub000/internal/storage/sqlite/migrations"
)

const siteColumns = `id, rev, type, x, y, owner, info_json, created_at, assigned_at`

// Store persists sites in one SQLite table.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

// Options configures Open.
type Options struct {
	Clock  clock.Clock
	Logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies the
// embedded migrations.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}

	dsn := filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, clock: c}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Get(ctx context.Context, id string) (site.Site, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = ?`, id)
	return scanSite(row)
}

func (s *Store) FindByCoord(ctx context.Context, c site.Coord) (site.Site, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+siteColumns+` FROM sites WHERE x = ? AND y = ?`, c.X, c.Y)
	return scanSite(row)
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
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Millisecond)
	rec.Rev = storage.NextRev("")

	infoJSON, err := encodeInfo(rec.Info)
	if err != nil {
		return site.Site{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sites (id, rev, type, x, y, owner, name, info_json, created_at, assigned_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Rev, string(rec.Type), rec.Coord.X, rec.Coord.Y, rec.Owner, rec.Name(),
		infoJSON, toMillis(rec.CreatedAt), optionalMillis(rec.AssignedAt),
	)
	if err != nil {
		if isPrimaryKeyViolation(err) {
			current, _ := s.Get(ctx, rec.ID)
			return site.Site{}, &storage.ConflictError{ID: rec.ID, Current: current.Rev}
		}
		return site.Site{}, mapConstraint(err, "create site")
	}
	return rec, nil
}

func (s *Store) Update(ctx context.Context, in site.Site) (site.Site, error) {
	if err := storage.Validate(in); err != nil {
		return site.Site{}, err
	}
	out, err := writeSite(ctx, s.db, in)
	if err != nil {
		return site.Site{}, s.explainMiss(ctx, in, err)
	}
	return out, nil
}

// UpdateAll writes every site in one transaction. Coordinates are parked
// on NULL first so that sites may trade places without tripping the
// coordinate index midway.
func (s *Store) UpdateAll(ctx context.Context, in []site.Site) ([]site.Site, error) {
	for _, rec := range in {
		if err := storage.Validate(rec); err != nil {
			return nil, err
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range in {
		res, err := tx.ExecContext(ctx,
			`UPDATE sites SET x = NULL, y = NULL WHERE id = ? AND rev = ?`, rec.ID, rec.Rev)
		if err != nil {
			return nil, fmt.Errorf("park site %s: %w", rec.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, s.explainMiss(ctx, rec, errNoRows)
		}
	}

	out := make([]site.Site, 0, len(in))
	for _, rec := range in {
		written, err := writeSite(ctx, tx, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, written)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id, rev string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sites WHERE id = ? AND rev = ?`, id, rev)
	if err != nil {
		return fmt.Errorf("delete site: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.explainMiss(ctx, site.Site{ID: id, Rev: rev}, errNoRows)
	}
	return nil
}

func (s *Store) FindInRange(ctx context.Context, min, max site.Coord) ([]site.Site, error) {
	return s.query(ctx,
		`SELECT `+siteColumns+` FROM sites
		 WHERE x BETWEEN ? AND ? AND y BETWEEN ? AND ?
		 ORDER BY x, y`,
		min.X, max.X, min.Y, max.Y)
}

func (s *Store) List(ctx context.Context, f storage.Filter) ([]site.Site, error) {
	var where []string
	var args []any
	if f.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, f.Owner)
	}
	if f.Name != "" {
		where = append(where, "name = ?")
		args = append(args, f.Name)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
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
		 WHERE type IN ('empty', 'placeholder') AND x IS NOT NULL
		 ORDER BY (x * x + y * y), created_at
		 LIMIT ?`, limit)
}

func (s *Store) Count(ctx context.Context) (map[site.Type]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM sites GROUP BY type`)
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

var errNoRows = errors.New("no rows matched")

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// writeSite replaces the row for in.ID when its revision still matches.
func writeSite(ctx context.Context, db querier, in site.Site) (site.Site, error) {
	rec := in.Clone()
	rec.Exits = nil
	prevRev := rec.Rev
	rec.Rev = storage.NextRev(prevRev)
	infoJSON, err := encodeInfo(rec.Info)
	if err != nil {
		return site.Site{}, err
	}

	res, err := db.ExecContext(ctx,
		`UPDATE sites
		 SET rev = ?, type = ?, x = ?, y = ?, owner = ?, name = ?, info_json = ?, assigned_at = ?
		 WHERE id = ? AND rev = ?`,
		rec.Rev, string(rec.Type), rec.Coord.X, rec.Coord.Y, rec.Owner, rec.Name(), infoJSON,
		optionalMillis(rec.AssignedAt), rec.ID, prevRev,
	)
	if err != nil {
		return site.Site{}, mapConstraint(err, "update site")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return site.Site{}, errNoRows
	}
	if rec.CreatedAt.IsZero() {
		var ms int64
		if err := db.QueryRowContext(ctx, `SELECT created_at FROM sites WHERE id = ?`, rec.ID).Scan(&ms); err == nil {
			rec.CreatedAt = fromMillis(ms)
		}
	}
	return rec, nil
}

// explainMiss turns a zero-row conditional write into ErrNotFound or a
// ConflictError.
func (s *Store) explainMiss(ctx context.Context, in site.Site, err error) error {
	if !errors.Is(err, errNoRows) {
		return err
	}
	var current string
	qerr := s.db.QueryRowContext(ctx, `SELECT rev FROM sites WHERE id = ?`, in.ID).Scan(&current)
	if errors.Is(qerr, sql.ErrNoRows) {
		return fmt.Errorf("site %s: %w", in.ID, storage.ErrNotFound)
	}
	if qerr != nil {
		return fmt.Errorf("load revision: %w", qerr)
	}
	return &storage.ConflictError{ID: in.ID, Expected: in.Rev, Current: current}
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]site.Site, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanSite(row scanner) (site.Site, error) {
	var (
		rec        site.Site
		typ        string
		x, y       sql.NullInt64
		infoJSON   sql.NullString
		createdAt  int64
		assignedAt sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &rec.Rev, &typ, &x, &y, &rec.Owner, &infoJSON, &createdAt, &assignedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return site.Site{}, storage.ErrNotFound
		}
		return site.Site{}, fmt.Errorf("scan site: %w", err)
	}
	rec.Type = site.Type(typ)
	rec.Coord = site.Coord{X: int(x.Int64), Y: int(y.Int64)}
	rec.CreatedAt = fromMillis(createdAt)
	if assignedAt.Valid {
		t := fromMillis(assignedAt.Int64)
		rec.AssignedAt = &t
	}
	if infoJSON.Valid && infoJSON.String != "" {
		var info site.RoomInfo
		if err := json.Unmarshal([]byte(infoJSON.String), &info); err != nil {
			return site.Site{}, fmt.Errorf("decode room info for %s: %w", rec.ID, err)
		}
		rec.Info = &info
	}
	return rec, nil
}

func encodeInfo(info *site.RoomInfo) (any, error) {
	if info == nil {
		return nil, nil
	}
	b, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("encode room info: %w", err)
	}
	return string(b), nil
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func optionalMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

func isPrimaryKeyViolation(err error) bool {
	var se *msqlite.Error
	if errors.As(err, &se) && se.Code() == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed: sites.id")
}

// mapConstraint translates unique index violations into storage errors.
func mapConstraint(err error, op string) error {
	var se *msqlite.Error
	unique := errors.As(err, &se) && se.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	msg := strings.ToLower(err.Error())
	if unique || strings.Contains(msg, "unique constraint failed") {
		switch {
		case strings.Contains(msg, "sites.x"):
			return fmt.Errorf("%s: %w", op, storage.ErrCoordinateTaken)
		case strings.Contains(msg, "sites.owner"):
			return fmt.Errorf("%s: %w", op, storage.ErrNameTaken)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ storage.Store = (*Store)(nil)
