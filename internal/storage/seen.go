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

	_ "modernc.org/sqlite"

	"github.com/DoctorSlayer/telegram-rss-bot-2/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// SeenStore tracks which item fingerprints have been published per
// (user, topic), and records publish outcomes for diagnostics.
type SeenStore interface {
	IsNew(ctx context.Context, userID int64, topic, fp string) (bool, error)
	MarkSeen(ctx context.Context, userID int64, topic, source, fp string) error
	Prune(ctx context.Context, maxAge time.Duration, perSource int) (removed int64, err error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

type sqliteSeen struct {
	db  *sql.DB
	log logx.Logger
}

// OpenSeen opens (and migrates) the SQLite-backed seen store.
func OpenSeen(cfg Config, log logx.Logger) (SeenStore, error) {
	if strings.TrimSpace(cfg.SeenPath) == "" {
		return nil, errors.New("storage.seen_path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SeenPath), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.SeenPath)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &sqliteSeen{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteSeen) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteSeen) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteSeen) IsNew(ctx context.Context, userID int64, topic, fp string) (bool, error) {
	if fp == "" {
		return false, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM seen WHERE user_id = ? AND topic = ? AND fp = ?`,
		userID, topic, fp,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (s *sqliteSeen) MarkSeen(ctx context.Context, userID int64, topic, source, fp string) error {
	if fp == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seen(user_id, topic, source, fp, at) VALUES(?,?,?,?,?)
		 ON CONFLICT(user_id, topic, fp) DO UPDATE SET at = excluded.at`,
		userID, topic, source, fp, time.Now().UnixMilli(),
	)
	return err
}

// Prune bounds seen-set growth: rows older than maxAge go first, then each
// (user, topic, source) group is trimmed to its newest perSource rows.
// A zero maxAge or perSource disables the corresponding rule.
func (s *sqliteSeen) Prune(ctx context.Context, maxAge time.Duration, perSource int) (int64, error) {
	var removed int64

	if maxAge > 0 {
		cutoff := time.Now().Add(-maxAge).UnixMilli()
		res, err := s.db.ExecContext(ctx, `DELETE FROM seen WHERE at < ?`, cutoff)
		if err != nil {
			return removed, err
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += n
		}
	}

	if perSource > 0 {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM seen WHERE (user_id, topic, fp) IN (
			   SELECT user_id, topic, fp FROM (
			     SELECT user_id, topic, fp,
			            ROW_NUMBER() OVER (
			              PARTITION BY user_id, topic, source ORDER BY at DESC
			            ) AS rn
			     FROM seen
			   ) WHERE rn > ?
			 )`, perSource)
		if err != nil {
			return removed, err
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += n
		}
	}

	return removed, nil
}

func (s *sqliteSeen) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO publish_audit(at, user_id, topic, source, chat_id, ok, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.UserID, e.Topic, e.Source, e.ChatID,
		boolInt(e.OK), nullStr(e.Error), e.TookMS,
	)
	return err
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
