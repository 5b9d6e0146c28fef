package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	logx "dashwall/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

type sqlStore struct {
	db      *sql.DB
	dialect dialect
	log     logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqlStore{db: db, dialect: dialectSQLite, log: log}
	if err := st.migrate(context.Background(), "migrations/sqlite.sql"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	st := &sqlStore{db: db, dialect: dialectPostgres, log: log}
	if err := st.migrate(ctx, "migrations/postgres.sql"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqlStore) migrate(ctx context.Context, name string) error {
	b, err := migrationsFS.ReadFile(name)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	s.log.Debug("schema ready", logx.String("file", name))
	return nil
}

// q rewrites ? placeholders to $n for postgres.
func (s *sqlStore) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) LoadWidget(ctx context.Context, id string) (Widget, error) {
	var (
		w              Widget
		inputs, schema sql.NullString
		updated        string
	)
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, project_ref, grid_x, grid_y, grid_w, grid_h, script, refresh, inputs, output_schema, updated_at
		 FROM widgets WHERE id = ?`), id).
		Scan(&w.ID, &w.ProjectRef, &w.Grid.X, &w.Grid.Y, &w.Grid.W, &w.Grid.H, &w.Script, &w.Refresh, &inputs, &schema, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Widget{}, ErrNotFound
	}
	if err != nil {
		return Widget{}, err
	}
	if inputs.Valid && inputs.String != "" {
		in, err := decodeInputs([]byte(inputs.String))
		if err != nil {
			return Widget{}, fmt.Errorf("widget %s inputs: %w", id, err)
		}
		w.Inputs = in
	}
	if schema.Valid && schema.String != "" {
		w.OutputSchema = json.RawMessage(schema.String)
	}
	w.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return w, nil
}

func (s *sqlStore) LoadRotation(ctx context.Context, id string) (Rotation, error) {
	var (
		r                Rotation
		entries, updated string
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, entries, updated_at FROM rotations WHERE id = ?`), id).
		Scan(&r.ID, &entries, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Rotation{}, ErrNotFound
	}
	if err != nil {
		return Rotation{}, err
	}
	if err := json.Unmarshal([]byte(entries), &r.Entries); err != nil {
		return Rotation{}, fmt.Errorf("rotation %s entries: %w", id, err)
	}
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return r, nil
}

func (s *sqlStore) ListWidgets(ctx context.Context) ([]WidgetRef, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, project_ref FROM widgets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WidgetRef
	for rows.Next() {
		var ref WidgetRef
		if err := rows.Scan(&ref.ID, &ref.ProjectRef); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (s *sqlStore) SaveWidget(ctx context.Context, w Widget) error {
	if err := validateWidget(w); err != nil {
		return err
	}
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = time.Now()
	}
	var inputs any
	if w.Inputs != nil {
		b, err := json.Marshal(w.Inputs)
		if err != nil {
			return fmt.Errorf("widget %s inputs: %w", w.ID, err)
		}
		inputs = string(b)
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO widgets(id, project_ref, grid_x, grid_y, grid_w, grid_h, script, refresh, inputs, output_schema, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   project_ref=excluded.project_ref, grid_x=excluded.grid_x, grid_y=excluded.grid_y,
		   grid_w=excluded.grid_w, grid_h=excluded.grid_h, script=excluded.script,
		   refresh=excluded.refresh, inputs=excluded.inputs, output_schema=excluded.output_schema,
		   updated_at=excluded.updated_at`),
		w.ID, w.ProjectRef, w.Grid.X, w.Grid.Y, w.Grid.W, w.Grid.H, w.Script, w.Refresh,
		inputs, nullStr(string(w.OutputSchema)), w.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqlStore) DeleteWidget(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM widgets WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = s.db.ExecContext(ctx, s.q(`DELETE FROM widget_state WHERE widget_id = ?`), id)
	return err
}

func (s *sqlStore) SaveRotation(ctx context.Context, r Rotation) error {
	if err := validateRotation(r); err != nil {
		return err
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	entries, err := json.Marshal(r.Entries)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO rotations(id, entries, updated_at) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET entries=excluded.entries, updated_at=excluded.updated_at`),
		r.ID, string(entries), r.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqlStore) DeleteRotation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM rotations WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) DeleteProject(ctx context.Context, projectRef string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(
		`DELETE FROM widget_state WHERE widget_id IN (SELECT id FROM widgets WHERE project_ref = ?)`), projectRef); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM widgets WHERE project_ref = ?`), projectRef); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) SaveWidgetState(ctx context.Context, st WidgetState) error {
	if st.WidgetID == "" {
		return errors.New("widget id is required")
	}
	if st.LastRun.IsZero() {
		st.LastRun = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO widget_state(widget_id, last_run, result, error_count, last_error) VALUES(?,?,?,?,?)
		 ON CONFLICT(widget_id) DO UPDATE SET
		   last_run=excluded.last_run, result=excluded.result,
		   error_count=excluded.error_count, last_error=excluded.last_error`),
		st.WidgetID, st.LastRun.UTC().Format(time.RFC3339Nano), nullStr(string(st.Result)), st.ErrorCount, nullStr(st.LastError),
	)
	return err
}

func (s *sqlStore) LoadWidgetState(ctx context.Context, widgetID string) (WidgetState, error) {
	var (
		st              WidgetState
		lastRun         string
		result, lastErr sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT widget_id, last_run, result, error_count, last_error FROM widget_state WHERE widget_id = ?`), widgetID).
		Scan(&st.WidgetID, &lastRun, &result, &st.ErrorCount, &lastErr)
	if errors.Is(err, sql.ErrNoRows) {
		return WidgetState{}, ErrNotFound
	}
	if err != nil {
		return WidgetState{}, err
	}
	st.LastRun, _ = time.Parse(time.RFC3339Nano, lastRun)
	if result.Valid {
		st.Result = json.RawMessage(result.String)
	}
	st.LastError = lastErr.String
	return st, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
