package database

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Info holds the credentials a tenant service needs to reach its
// dedicated database.
type Info struct {
	RoleName     string `json:"role_name"`
	RolePassword string `json:"role_password"`
	DatabaseName string `json:"database_name"`
}

// ConnectionString renders the credentials as a postgres URI against
// the given host.
func (i Info) ConnectionString(host string) string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s", i.RoleName, i.RolePassword, host, i.DatabaseName)
}

// Provisioner creates per-project databases on demand.
type Provisioner interface {
	Provision(ctx context.Context, project string) (Info, error)
}

// PgProvisioner provisions a role and database per project on a
// shared PostgreSQL instance. Provisioning is idempotent: repeat
// calls for the same project return the cached credentials, and an
// already-existing role gets its password rotated so the returned
// credentials always work.
type PgProvisioner struct {
	db  *sql.DB
	log *zap.Logger

	mu    sync.Mutex
	cache map[string]Info
}

func NewPgProvisioner(uri string, log *zap.Logger) (*PgProvisioner, error) {
	db, err := sql.Open("postgres", uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	return &PgProvisioner{
		db:    db,
		log:   log,
		cache: make(map[string]Info),
	}, nil
}

func (p *PgProvisioner) Provision(ctx context.Context, project string) (Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if info, ok := p.cache[project]; ok {
		return info, nil
	}

	password, err := generatePassword()
	if err != nil {
		return Info{}, fmt.Errorf("failed to generate password: %w", err)
	}

	info := Info{
		RoleName:     "u_" + pgName(project),
		RolePassword: password,
		DatabaseName: "db_" + pgName(project),
	}

	if err := p.ensureRole(ctx, info.RoleName, info.RolePassword); err != nil {
		return Info{}, err
	}
	if err := p.ensureDatabase(ctx, info.DatabaseName, info.RoleName); err != nil {
		return Info{}, err
	}

	p.cache[project] = info
	p.log.Info("database provisioned",
		zap.String("project", project),
		zap.String("database", info.DatabaseName),
	)
	return info, nil
}

func (p *PgProvisioner) ensureRole(ctx context.Context, role, password string) error {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM pg_roles WHERE rolname = $1)`, role,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check role %s: %w", role, err)
	}

	// DDL cannot take bind parameters; quote through lib/pq.
	var stmt string
	if exists {
		stmt = fmt.Sprintf(`ALTER ROLE %s WITH LOGIN PASSWORD %s`,
			pq.QuoteIdentifier(role), pq.QuoteLiteral(password))
	} else {
		stmt = fmt.Sprintf(`CREATE ROLE %s WITH LOGIN PASSWORD %s`,
			pq.QuoteIdentifier(role), pq.QuoteLiteral(password))
	}

	if _, err := p.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create role %s: %w", role, err)
	}
	return nil
}

func (p *PgProvisioner) ensureDatabase(ctx context.Context, name, owner string) error {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)`, name,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check database %s: %w", name, err)
	}
	if exists {
		return nil
	}

	stmt := fmt.Sprintf(`CREATE DATABASE %s OWNER %s`,
		pq.QuoteIdentifier(name), pq.QuoteIdentifier(owner))
	if _, err := p.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create database %s: %w", name, err)
	}
	return nil
}

func (p *PgProvisioner) Close() error {
	return p.db.Close()
}

// Project names allow dashes; PostgreSQL identifiers read better
// without them.
func pgName(project string) string {
	return strings.ReplaceAll(project, "-", "_")
}

func generatePassword() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
