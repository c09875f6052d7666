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
	"strings"
	"time"

	"workd/internal/eventbus"
	"workd/internal/work"
	logx "workd/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	bus eventbus.Bus
}

func openSQLite(cfg Config, log logx.Logger, bus eventbus.Bus) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, bus: bus}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
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

const itemCols = `id, kind, runner, state, run_count, initial_delay_ms, interval_ms, constraints, input, output, not_before, created_at, updated_at`

func (s *sqliteStore) Put(ctx context.Context, items []*work.Item, edges []work.Edge) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, it := range items {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM items WHERE id = ?`, it.ID).Scan(&exists)
		if err == nil {
			return fmt.Errorf("%w: %s", ErrExists, it.ID)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		cons, err := json.Marshal(it.Constraints)
		if err != nil {
			return err
		}
		input, err := json.Marshal(it.Input)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO items(`+itemCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			it.ID, string(it.Kind), it.Runner, string(it.State), it.RunCount,
			it.InitialDelay.Milliseconds(), it.Interval.Milliseconds(),
			string(cons), string(input), nil,
			it.NotBefore.UnixMilli(), it.CreatedAt.UnixMilli(), it.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return err
		}
		for _, tag := range it.Tags {
			if _, err := tx.ExecContext(ctx, `INSERT INTO item_tags(tag, item_id) VALUES(?,?)`, tag, it.ID); err != nil {
				return err
			}
		}
	}
	for _, e := range edges {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO edges(pred, succ) VALUES(?,?)`, e.From, e.To); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	for _, it := range items {
		publishChange(s.bus, it.ID, "", it.State)
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*work.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemCols+` FROM items WHERE id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadTags(ctx, it); err != nil {
		return nil, err
	}
	return it, nil
}

func (s *sqliteStore) QueryByTag(ctx context.Context, tag string) ([]*work.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemCols+` FROM items
		 WHERE id IN (SELECT item_id FROM item_tags WHERE tag = ?)
		 ORDER BY created_at, id`, tag)
	if err != nil {
		return nil, err
	}
	return s.collectItems(ctx, rows)
}

func (s *sqliteStore) ListByState(ctx context.Context, st work.State) ([]*work.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemCols+` FROM items WHERE state = ? ORDER BY created_at, id`,
		string(st))
	if err != nil {
		return nil, err
	}
	return s.collectItems(ctx, rows)
}

func (s *sqliteStore) ListReady(ctx context.Context, now time.Time) ([]*work.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemCols+` FROM items i
		 WHERE i.state = ? AND i.not_before <= ?
		   AND NOT EXISTS (
		     SELECT 1 FROM edges e
		     LEFT JOIN items p ON p.id = e.pred
		     WHERE e.succ = i.id AND (p.id IS NULL OR p.state <> ?)
		   )
		 ORDER BY i.created_at, i.id`,
		string(work.StateEnqueued), now.UnixMilli(), string(work.StateSucceeded))
	if err != nil {
		return nil, err
	}
	return s.collectItems(ctx, rows)
}

func (s *sqliteStore) NextWake(ctx context.Context, now time.Time) (time.Time, bool, error) {
	// MIN over an empty set yields one NULL row.
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(not_before) FROM items WHERE state = ? AND not_before > ?`,
		string(work.StateEnqueued), now.UnixMilli()).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64), true, nil
}

func (s *sqliteStore) UpdateState(ctx context.Context, id string, expect, to work.State, output work.Payload) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var kind, cur string
	err = tx.QueryRowContext(ctx, `SELECT kind, state FROM items WHERE id = ?`, id).Scan(&kind, &cur)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	if work.State(cur) != expect || !work.CanTransition(work.Kind(kind), work.State(cur), to) {
		return fmt.Errorf("%w: %s %s→%s (current %s)", ErrConflict, id, expect, to, cur)
	}

	var out any
	if to == work.StateSucceeded && output != nil {
		b, err := json.Marshal(output)
		if err != nil {
			return err
		}
		out = string(b)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE items SET state = ?, output = COALESCE(?, output), updated_at = ? WHERE id = ? AND state = ?`,
		string(to), out, time.Now().UnixMilli(), id, cur)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s lost update race", ErrConflict, id)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	publishChange(s.bus, id, work.State(cur), to)
	return nil
}

func (s *sqliteStore) Cancel(ctx context.Context, id string) (work.State, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = tx.Rollback() }()

	var cur string
	err = tx.QueryRowContext(ctx, `SELECT state FROM items WHERE id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return "", false, err
	}
	prev := work.State(cur)
	if prev.Terminal() {
		return prev, false, nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE items SET state = ?, updated_at = ? WHERE id = ?`,
		string(work.StateCancelled), time.Now().UnixMilli(), id); err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, err
	}

	publishChange(s.bus, id, prev, work.StateCancelled)
	return prev, true, nil
}

func (s *sqliteStore) ResetPeriodic(ctx context.Context, id string, output work.Payload, notBefore time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var kind, cur string
	err = tx.QueryRowContext(ctx, `SELECT kind, state FROM items WHERE id = ?`, id).Scan(&kind, &cur)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	if work.Kind(kind) != work.KindPeriodic || work.State(cur) != work.StateRunning {
		return fmt.Errorf("%w: %s not a running periodic item", ErrConflict, id)
	}

	var out any
	if output != nil {
		b, err := json.Marshal(output)
		if err != nil {
			return err
		}
		out = string(b)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE items SET state = ?, run_count = run_count + 1, output = COALESCE(?, output), not_before = ?, updated_at = ? WHERE id = ?`,
		string(work.StateEnqueued), out, notBefore.UnixMilli(), time.Now().UnixMilli(), id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	publishChange(s.bus, id, work.StateRunning, work.StateEnqueued)
	return nil
}

func (s *sqliteStore) RequeueRunning(ctx context.Context) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM items WHERE state = ? ORDER BY id`, string(work.StateRunning))
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE items SET state = ?, updated_at = ? WHERE state = ?`,
		string(work.StateEnqueued), time.Now().UnixMilli(), string(work.StateRunning)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		publishChange(s.bus, id, work.StateRunning, work.StateEnqueued)
	}
	return ids, nil
}

func (s *sqliteStore) MergeInput(ctx context.Context, id string, src work.Payload) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var cur, input string
	err = tx.QueryRowContext(ctx, `SELECT state, input FROM items WHERE id = ?`, id).Scan(&cur, &input)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	st := work.State(cur)
	if st == work.StateRunning || st.Terminal() {
		return fmt.Errorf("%w: %s input is frozen in state %s", ErrConflict, id, st)
	}

	var in work.Payload
	if input != "" {
		if err := json.Unmarshal([]byte(input), &in); err != nil {
			return err
		}
	}
	b, err := json.Marshal(in.Merge(src))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE items SET input = ?, updated_at = ? WHERE id = ?`,
		string(b), time.Now().UnixMilli(), id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Predecessors(ctx context.Context, id string) ([]*work.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemCols+` FROM items
		 WHERE id IN (SELECT pred FROM edges WHERE succ = ?)
		 ORDER BY created_at, id`, id)
	if err != nil {
		return nil, err
	}
	return s.collectItems(ctx, rows)
}

func (s *sqliteStore) Successors(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT succ FROM edges WHERE pred = ? ORDER BY succ`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			return nil, err
		}
		out = append(out, sid)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM items WHERE kind = ? AND state IN (?,?,?) AND updated_at < ?`,
		string(work.KindOneTime),
		string(work.StateSucceeded), string(work.StateFailed), string(work.StateCancelled),
		cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		// Edges referencing pruned items are dangling; sweep them too.
		_, _ = s.db.ExecContext(ctx,
			`DELETE FROM edges WHERE pred NOT IN (SELECT id FROM items) OR succ NOT IN (SELECT id FROM items)`)
	}
	return int(n), nil
}

func (s *sqliteStore) Stats(ctx context.Context) (map[work.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM items GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[work.State]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[work.State(st)] = n
	}
	return out, rows.Err()
}

// ---- row helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (*work.Item, error) {
	var (
		it                          work.Item
		kind, state, cons, input    string
		output                      sql.NullString
		delayMS, intervalMS         int64
		notBefore, created, updated int64
	)
	err := r.Scan(&it.ID, &kind, &it.Runner, &state, &it.RunCount,
		&delayMS, &intervalMS, &cons, &input, &output,
		&notBefore, &created, &updated)
	if err != nil {
		return nil, err
	}
	it.Kind = work.Kind(kind)
	it.State = work.State(state)
	it.InitialDelay = time.Duration(delayMS) * time.Millisecond
	it.Interval = time.Duration(intervalMS) * time.Millisecond
	it.NotBefore = time.UnixMilli(notBefore)
	it.CreatedAt = time.UnixMilli(created)
	it.UpdatedAt = time.UnixMilli(updated)
	if err := json.Unmarshal([]byte(cons), &it.Constraints); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(input), &it.Input); err != nil {
		return nil, err
	}
	if output.Valid && output.String != "" {
		if err := json.Unmarshal([]byte(output.String), &it.Output); err != nil {
			return nil, err
		}
	}
	return &it, nil
}

func (s *sqliteStore) collectItems(ctx context.Context, rows *sql.Rows) ([]*work.Item, error) {
	defer rows.Close()
	var out []*work.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, it := range out {
		if err := s.loadTags(ctx, it); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *sqliteStore) loadTags(ctx context.Context, it *work.Item) error {
	rows, err := s.db.QueryContext(ctx, `SELECT tag FROM item_tags WHERE item_id = ? ORDER BY tag`, it.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return err
		}
		it.Tags = append(it.Tags, tag)
	}
	return rows.Err()
}
