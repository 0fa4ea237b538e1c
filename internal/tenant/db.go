package tenant

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Role is the database role a handle runs under.
type Role string

const (
	// RoleAuthenticated is the normal caller role, subject to row-level
	// security policies.
	RoleAuthenticated Role = "authenticated"
	// RoleSuperUser is the administrative role used by the orchestrator's
	// completion transaction and cleanup paths.
	RoleSuperUser Role = "service_role"
)

// DB is a tenant-bound database handle: one tenant, one connection string,
// one caller role. Handles share pools through the registry.
type DB struct {
	registry        *Registry
	connString      string
	superConnString string
	role            Role
}

// NewDB binds a handle to a tenant's connection strings.
func NewDB(registry *Registry, connString, superConnString string) *DB {
	if superConnString == "" {
		superConnString = connString
	}
	return &DB{
		registry:        registry,
		connString:      connString,
		superConnString: superConnString,
		role:            RoleAuthenticated,
	}
}

// Role returns the role this handle runs under.
func (d *DB) Role() Role { return d.role }

// AsSuperUser returns a handle over the same registry bound to the
// administrative role.
func (d *DB) AsSuperUser() *DB {
	return &DB{
		registry:        d.registry,
		connString:      d.superConnString,
		superConnString: d.superConnString,
		role:            RoleSuperUser,
	}
}

// Transaction opens a transaction on this handle's pool. See
// Pool.Transaction for retry semantics.
func (d *DB) Transaction(ctx context.Context, fn func(pgx.Tx) error) error {
	pool, err := d.registry.Get(d.connString)
	if err != nil {
		return err
	}
	return pool.Transaction(ctx, fn)
}
