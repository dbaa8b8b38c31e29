package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"subsync/descriptor"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS groups (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL DEFAULT 'basic',
	sort_order TEXT NOT NULL DEFAULT 'origin',
	preferred_id INTEGER NOT NULL DEFAULT 0,
	subscription TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS entities (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	group_id INTEGER NOT NULL,
	user_order INTEGER NOT NULL DEFAULT 0,
	descriptor TEXT NOT NULL,
	status INTEGER NOT NULL DEFAULT 0,
	ping INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_entities_group ON entities(group_id, user_order, id);
`

// SQLite is a Store backed by a single sqlite database file.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	logrus.Debugf("[Store] sqlite opened at %s", path)
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func encodeSubscription(sub *Subscription) (string, error) {
	if sub == nil {
		return "", nil
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (s *SQLite) CreateGroup(ctx context.Context, g *Group) (int64, error) {
	stored := g.Clone()
	normalizeGroup(stored)
	sub, err := encodeSubscription(stored.Subscription)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO groups (name, type, sort_order, preferred_id, subscription) VALUES (?, ?, ?, ?, ?)`,
		stored.Name, string(stored.Type), string(stored.Order), stored.PreferredID, sub)
	if err != nil {
		return 0, fmt.Errorf("insert group: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	g.ID = id
	return id, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row rowScanner) (*Group, error) {
	var (
		g        Group
		typ, ord string
		sub      string
	)
	if err := row.Scan(&g.ID, &g.Name, &typ, &ord, &g.PreferredID, &sub); err != nil {
		return nil, err
	}
	g.Type = GroupType(typ)
	g.Order = GroupOrder(ord)
	if sub != "" {
		g.Subscription = &Subscription{}
		if err := json.Unmarshal([]byte(sub), g.Subscription); err != nil {
			return nil, fmt.Errorf("decode subscription of group %d: %w", g.ID, err)
		}
	}
	return &g, nil
}

func (s *SQLite) GetGroup(ctx context.Context, id int64) (*Group, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, sort_order, preferred_id, subscription FROM groups WHERE id = ?`, id)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group %d: %w", id, ErrNotFound)
	}
	return g, err
}

func (s *SQLite) ListGroups(ctx context.Context) ([]*Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, sort_order, preferred_id, subscription FROM groups ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateGroup(ctx context.Context, g *Group) error {
	stored := g.Clone()
	normalizeGroup(stored)
	sub, err := encodeSubscription(stored.Subscription)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE groups SET name = ?, type = ?, sort_order = ?, preferred_id = ?, subscription = ? WHERE id = ?`,
		stored.Name, string(stored.Type), string(stored.Order), stored.PreferredID, sub, stored.ID)
	if err != nil {
		return fmt.Errorf("update group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("group %d: %w", g.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLite) DeleteGroup(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM groups WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("group %d: %w", id, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE group_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) ListByGroup(ctx context.Context, groupID int64) ([]*Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, group_id, user_order, descriptor, status, ping, error FROM entities WHERE group_id = ? ORDER BY user_order ASC, id ASC`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Entity
	for rows.Next() {
		var (
			e   Entity
			raw string
		)
		if err := rows.Scan(&e.ID, &e.GroupID, &e.Order, &raw, &e.Status, &e.Ping, &e.Error); err != nil {
			return nil, err
		}
		e.Descriptor = &descriptor.Descriptor{}
		if err := json.Unmarshal([]byte(raw), e.Descriptor); err != nil {
			return nil, fmt.Errorf("decode entity %d: %w", e.ID, err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLite) CountByGroup(ctx context.Context, groupID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities WHERE group_id = ?`, groupID).Scan(&n)
	return n, err
}

func (s *SQLite) AddEntity(ctx context.Context, e *Entity) (int64, error) {
	if e.Descriptor == nil {
		return 0, fmt.Errorf("entity has no descriptor")
	}
	raw, err := json.Marshal(e.Descriptor)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO entities (group_id, user_order, descriptor, status, ping, error) VALUES (?, ?, ?, ?, ?, ?)`,
		e.GroupID, e.Order, string(raw), e.Status, e.Ping, e.Error)
	if err != nil {
		return 0, fmt.Errorf("insert entity: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	e.ID = id
	return id, nil
}

func (s *SQLite) UpdateEntities(ctx context.Context, list []*Entity) (int, error) {
	if len(list) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx,
		`UPDATE entities SET group_id = ?, user_order = ?, descriptor = ?, status = ?, ping = ?, error = ? WHERE id = ?`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	n := 0
	for _, e := range list {
		raw, err := json.Marshal(e.Descriptor)
		if err != nil {
			return 0, err
		}
		res, err := stmt.ExecContext(ctx, e.GroupID, e.Order, string(raw), e.Status, e.Ping, e.Error, e.ID)
		if err != nil {
			return 0, fmt.Errorf("update entity %d: %w", e.ID, err)
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			n++
		}
	}
	return n, tx.Commit()
}

func (s *SQLite) DeleteEntities(ctx context.Context, list []*Entity) (int, error) {
	if len(list) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n := 0
	for _, e := range list {
		res, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, e.ID)
		if err != nil {
			return 0, fmt.Errorf("delete entity %d: %w", e.ID, err)
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			n++
		}
	}
	return n, tx.Commit()
}

func (s *SQLite) NextOrder(ctx context.Context, groupID int64) (int64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(user_order) FROM entities WHERE group_id = ?`, groupID).Scan(&max); err != nil {
		return 0, err
	}
	return max.Int64 + 1, nil
}
