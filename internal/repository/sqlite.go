package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/fleet/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", withImmediateTx(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// withImmediateTx makes every transaction take the database write lock on
// BEGIN, so an election round reads and writes the node rows under one lock.
func withImmediateTx(dsn string) string {
	if strings.Contains(dsn, "_txlock=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&_txlock=immediate"
	}
	return dsn + "?_txlock=immediate"
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			group_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			master INTEGER NOT NULL DEFAULT 0,
			last_seen INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			PRIMARY KEY (group_id, node_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_master ON nodes(group_id, master)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// Add new columns for existing DBs (SQLite has limited ALTER TABLE support).
	if err := s.ensureColumn("nodes", "bus_addr", "ALTER TABLE nodes ADD COLUMN bus_addr TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func upsertNode(ctx context.Context, db execer, node domain.Node) error {
	startedAt := node.StartedAt
	if startedAt.IsZero() {
		startedAt = node.LastSeen
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO nodes (group_id, node_id, master, last_seen, started_at, bus_addr)
		 VALUES (?, ?, 0, ?, ?, ?)
		 ON CONFLICT(group_id, node_id) DO UPDATE SET
			last_seen = excluded.last_seen,
			bus_addr = excluded.bus_addr`,
		node.GroupID, node.NodeID, node.LastSeen.UnixMilli(), startedAt.UnixMilli(), node.BusAddr)
	return err
}

// RegisterNode upserts a node row.
func (s *SQLiteStore) RegisterNode(ctx context.Context, node domain.Node) error {
	if node.LastSeen.IsZero() {
		node.LastSeen = time.Now()
	}
	if err := upsertNode(ctx, s.db, node); err != nil {
		return fmt.Errorf("register node %s: %w", node.NodeID, err)
	}
	return nil
}

// Elect runs one election round in a single write-locked transaction.
func (s *SQLiteStore) Elect(ctx context.Context, self domain.Node, decide DecideFunc) ([]domain.Node, domain.ElectionPlan, error) {
	var plan domain.ElectionPlan

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, plan, fmt.Errorf("begin election: %w", err)
	}
	defer tx.Rollback()

	if err := upsertNode(ctx, tx, self); err != nil {
		return nil, plan, fmt.Errorf("heartbeat: %w", err)
	}
	nodes, err := listNodes(ctx, tx, self.GroupID)
	if err != nil {
		return nil, plan, err
	}

	plan = decide(nodes)
	for _, id := range plan.Demote {
		if id == self.NodeID {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE nodes SET master = 0 WHERE group_id = ? AND node_id = ?`,
			self.GroupID, id); err != nil {
			return nil, plan, fmt.Errorf("demote %s: %w", id, err)
		}
	}
	switch {
	case plan.Claim:
		_, err = tx.ExecContext(ctx,
			`UPDATE nodes SET master = 1, last_seen = ? WHERE group_id = ? AND node_id = ?`,
			self.LastSeen.UnixMilli(), self.GroupID, self.NodeID)
	case plan.StepDown:
		_, err = tx.ExecContext(ctx,
			`UPDATE nodes SET master = 0 WHERE group_id = ? AND node_id = ?`,
			self.GroupID, self.NodeID)
	}
	if err != nil {
		return nil, plan, fmt.Errorf("apply election: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, plan, fmt.Errorf("commit election: %w", err)
	}
	return nodes, plan, nil
}

// Resign clears a node's master flag.
func (s *SQLiteStore) Resign(ctx context.Context, groupID, nodeID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET master = 0 WHERE group_id = ? AND node_id = ?`, groupID, nodeID)
	if err != nil {
		return fmt.Errorf("resign %s: %w", nodeID, err)
	}
	return nil
}

// GetNode retrieves a node by ID.
func (s *SQLiteStore) GetNode(ctx context.Context, groupID, nodeID string) (*domain.Node, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT group_id, node_id, master, last_seen, started_at, bus_addr
		 FROM nodes WHERE group_id = ? AND node_id = ?`, groupID, nodeID)
	node, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// GetMaster returns the most recently seen master of a group, or nil.
func (s *SQLiteStore) GetMaster(ctx context.Context, groupID string) (*domain.Node, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT group_id, node_id, master, last_seen, started_at, bus_addr
		 FROM nodes WHERE group_id = ? AND master = 1
		 ORDER BY last_seen DESC LIMIT 1`, groupID)
	node, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// ListNodes lists every node of a group ordered by node ID.
func (s *SQLiteStore) ListNodes(ctx context.Context, groupID string) ([]domain.Node, error) {
	return listNodes(ctx, s.db, groupID)
}

func listNodes(ctx context.Context, db querier, groupID string) ([]domain.Node, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT group_id, node_id, master, last_seen, started_at, bus_addr
		 FROM nodes WHERE group_id = ? ORDER BY node_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []domain.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(row scanner) (domain.Node, error) {
	var node domain.Node
	var master int
	var lastSeen, startedAt int64
	if err := row.Scan(&node.GroupID, &node.NodeID, &master, &lastSeen, &startedAt, &node.BusAddr); err != nil {
		return node, err
	}
	node.Role = domain.RoleAgent
	if master != 0 {
		node.Role = domain.RoleMaster
	}
	node.LastSeen = time.UnixMilli(lastSeen)
	node.StartedAt = time.UnixMilli(startedAt)
	return node, nil
}
