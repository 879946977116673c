package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fotomator/internal/media"
	logx "fotomator/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; one connection also keeps ":memory:" coherent.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Get(ctx context.Context, uri string) (*media.Record, error) {
	var (
		rec   media.Record
		state string
		ms    int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT uri, state, failed_count, updated_at FROM media WHERE uri = ?`, uri,
	).Scan(&rec.URI, &state, &rec.FailedCount, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get media %q: %w", uri, err)
	}
	rec.State = media.State(state)
	rec.UpdatedAt = time.UnixMilli(ms)
	return &rec, nil
}

func (s *sqliteStore) Put(ctx context.Context, rec media.Record) error {
	if strings.TrimSpace(rec.URI) == "" {
		return errors.New("put media: empty uri")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO media(uri, state, failed_count, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(uri) DO UPDATE SET
		   state=excluded.state,
		   failed_count=excluded.failed_count,
		   updated_at=excluded.updated_at`,
		rec.URI, string(rec.State), rec.FailedCount, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put media %q: %w", rec.URI, err)
	}
	return nil
}

func (s *sqliteStore) MarkAllScheduledOptOut(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE media SET state = ?, updated_at = ? WHERE state = ?`,
		string(media.StateOptOut), time.Now().UnixMilli(), string(media.StateScheduled),
	)
	if err != nil {
		return 0, fmt.Errorf("mark scheduled as opt-out: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) ListByState(ctx context.Context, states ...media.State) ([]media.Record, error) {
	q := `SELECT uri, state, failed_count, updated_at FROM media`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		marks := make([]string, 0, len(states))
		for _, st := range states {
			marks = append(marks, "?")
			args = append(args, string(st))
		}
		q += ` WHERE state IN (` + strings.Join(marks, ",") + `)`
	}
	q += ` ORDER BY uri`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	defer rows.Close()

	var out []media.Record
	for rows.Next() {
		var (
			rec   media.Record
			state string
			ms    int64
		)
		if err := rows.Scan(&rec.URI, &state, &rec.FailedCount, &ms); err != nil {
			return nil, fmt.Errorf("list media: %w", err)
		}
		rec.State = media.State(state)
		rec.UpdatedAt = time.UnixMilli(ms)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Delete(ctx context.Context, uri string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM media WHERE uri = ?`, uri)
	return err
}

func (s *sqliteStore) GetPref(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM prefs WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get pref %q: %w", key, err)
	}
	return v, true, nil
}

func (s *sqliteStore) SetPref(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prefs(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set pref %q: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) DeletePref(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM prefs WHERE key = ?`, key)
	return err
}
