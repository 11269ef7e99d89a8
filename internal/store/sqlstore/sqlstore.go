// Package sqlstore persists claims and parties through database/sql. The same
// statements run on sqlite (modernc.org/sqlite) and postgres (pgx stdlib);
// only placeholders and connection setup differ.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"claimsync.ai/internal/model"
	"claimsync.ai/internal/store"
)

var _ store.Store = (*Store)(nil)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

type Store struct {
	db      *sql.DB
	dialect dialect
}

// Open picks the backend by driver name ("sqlite" or "postgres").
func Open(driver, dsn string) (*Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		return OpenSQLite(dsn)
	case "postgres", "pgx":
		return OpenPostgres(dsn)
	default:
		return nil, fmt.Errorf("unknown db driver %q", driver)
	}
}

func OpenSQLite(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{db: db, dialect: dialectSQLite}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func OpenPostgres(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty postgres dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{db: db, dialect: dialectPostgres}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS claims (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			owner_name TEXT NOT NULL,
			world TEXT NOT NULL,
			min_x INTEGER NOT NULL,
			min_z INTEGER NOT NULL,
			max_x INTEGER NOT NULL,
			max_z INTEGER NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			is_public BOOLEAN NOT NULL,
			permissions_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_claims_owner ON claims(owner_id);`,
		`CREATE INDEX IF NOT EXISTS idx_claims_world_bounds ON claims(world, min_x, max_x, min_z, max_z);`,
		`CREATE TABLE IF NOT EXISTS parties (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			leader_id TEXT NOT NULL,
			leader_name TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			is_open BOOLEAN NOT NULL,
			max_members INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_parties_leader ON parties(leader_id);`,
		`CREATE TABLE IF NOT EXISTS party_members (
			party_id TEXT NOT NULL REFERENCES parties(id) ON DELETE CASCADE,
			identity TEXT NOT NULL,
			PRIMARY KEY (party_id, identity)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_party_members_identity ON party_members(identity);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(q string) string {
	if s.dialect != dialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) Close() error {
	return s.db.Close()
}

const claimColumns = `id, owner_id, owner_name, world, min_x, min_z, max_x, max_z, created_at, updated_at, name, description, is_public, permissions_json`

func (s *Store) SaveClaim(ctx context.Context, c model.Claim) error {
	perms := c.Permissions
	if perms == nil {
		perms = map[string]model.Permission{}
	}
	pj, err := json.Marshal(perms)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO claims (`+claimColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			owner_name = excluded.owner_name,
			world = excluded.world,
			min_x = excluded.min_x,
			min_z = excluded.min_z,
			max_x = excluded.max_x,
			max_z = excluded.max_z,
			updated_at = excluded.updated_at,
			name = excluded.name,
			description = excluded.description,
			is_public = excluded.is_public,
			permissions_json = excluded.permissions_json`),
		c.ID, c.OwnerID, c.OwnerName, c.World, c.MinX, c.MinZ, c.MaxX, c.MaxZ,
		c.CreatedAt, c.UpdatedAt, c.Name, c.Description, c.IsPublic, string(pj))
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanClaim(sc scanner) (model.Claim, error) {
	var (
		c  model.Claim
		pj string
	)
	if err := sc.Scan(&c.ID, &c.OwnerID, &c.OwnerName, &c.World, &c.MinX, &c.MinZ, &c.MaxX, &c.MaxZ,
		&c.CreatedAt, &c.UpdatedAt, &c.Name, &c.Description, &c.IsPublic, &pj); err != nil {
		return c, err
	}
	c.Permissions = map[string]model.Permission{}
	if pj != "" {
		if err := json.Unmarshal([]byte(pj), &c.Permissions); err != nil {
			return c, fmt.Errorf("claim %s permissions: %w", c.ID, err)
		}
	}
	return c, nil
}

func (s *Store) queryClaims(ctx context.Context, where string, args ...any) ([]model.Claim, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+claimColumns+` FROM claims `+where+` ORDER BY created_at, id`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetClaim(ctx context.Context, id string) (model.Claim, bool, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+claimColumns+` FROM claims WHERE id = ?`), id)
	c, err := scanClaim(row)
	if err == sql.ErrNoRows {
		return model.Claim{}, false, nil
	}
	if err != nil {
		return model.Claim{}, false, err
	}
	return c, true, nil
}

func (s *Store) GetClaimsByOwner(ctx context.Context, identity string) ([]model.Claim, error) {
	return s.queryClaims(ctx, `WHERE owner_id = ?`, identity)
}

func (s *Store) GetClaimsInArea(ctx context.Context, world string, r model.Rect) ([]model.Claim, error) {
	r = r.Normalize()
	return s.queryClaims(ctx, `WHERE world = ? AND max_x >= ? AND min_x <= ? AND max_z >= ? AND min_z <= ?`,
		world, r.MinX, r.MaxX, r.MinZ, r.MaxZ)
}

func (s *Store) ListClaims(ctx context.Context) ([]model.Claim, error) {
	return s.queryClaims(ctx, ``)
}

func (s *Store) DeleteClaim(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM claims WHERE id = ?`), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) SaveParty(ctx context.Context, p model.Party) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO parties (id, name, leader_id, leader_name, created_at, description, is_open, max_members)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			leader_id = excluded.leader_id,
			leader_name = excluded.leader_name,
			description = excluded.description,
			is_open = excluded.is_open,
			max_members = excluded.max_members`),
		p.ID, p.Name, p.LeaderID, p.LeaderName, p.CreatedAt, p.Description, p.IsOpen, p.MaxMembers); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM party_members WHERE party_id = ?`), p.ID); err != nil {
		return err
	}
	seen := map[string]struct{}{}
	for _, m := range p.Members {
		if _, ok := seen[m]; ok || m == "" {
			continue
		}
		seen[m] = struct{}{}
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO party_members (party_id, identity) VALUES (?, ?)`), p.ID, m); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetPartiesForIdentity(ctx context.Context, identity string) ([]model.Party, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, name, leader_id, leader_name, created_at, description, is_open, max_members
		FROM parties
		WHERE leader_id = ? OR id IN (SELECT party_id FROM party_members WHERE identity = ?)
		ORDER BY created_at, id`), identity, identity)
	if err != nil {
		return nil, err
	}
	var out []model.Party
	for rows.Next() {
		var p model.Party
		if err := rows.Scan(&p.ID, &p.Name, &p.LeaderID, &p.LeaderName, &p.CreatedAt, &p.Description, &p.IsOpen, &p.MaxMembers); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// sqlite runs on one connection; members are loaded after the party
	// cursor is closed.
	for i := range out {
		members, err := s.partyMembers(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Members = members
	}
	return out, nil
}

func (s *Store) partyMembers(ctx context.Context, partyID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT identity FROM party_members WHERE party_id = ? ORDER BY identity`), partyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
