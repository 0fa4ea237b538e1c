package tenant

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"

	"github.com/SEESAI/supabase-storage/internal/errs"
)

// Scope is the authorization context injected into a transaction as
// session-scoped configuration. Row-level security policies in the metadata
// store read these settings; this is the sole mechanism binding SQL-level
// authorization to the authenticated caller.
type Scope struct {
	Role      string
	RawJWT    string
	Claims    jwt.MapClaims
	Headers   map[string]string
	Method    string
	Path      string
	Operation string
}

// SetScope applies the scope inside tx with transaction-local settings. It
// must run in the same transaction as the queries it authorizes.
func SetScope(ctx context.Context, tx pgx.Tx, scope *Scope) error {
	if scope.Role != "" {
		if _, err := tx.Exec(ctx, "SET LOCAL ROLE "+pgx.Identifier{scope.Role}.Sanitize()); err != nil {
			return &errs.DatabaseError{Op: "set role", Err: err}
		}
	}

	claimsJSON, err := json.Marshal(scope.Claims)
	if err != nil {
		return fmt.Errorf("marshal scope claims: %w", err)
	}
	headersJSON, err := json.Marshal(scope.Headers)
	if err != nil {
		return fmt.Errorf("marshal scope headers: %w", err)
	}

	_, err = tx.Exec(ctx,
		`SELECT set_config('request.jwt', $1, true),
		        set_config('request.jwt.claims', $2, true),
		        set_config('request.headers', $3, true),
		        set_config('request.method', $4, true),
		        set_config('request.path', $5, true),
		        set_config('storage.operation', $6, true)`,
		scope.RawJWT, string(claimsJSON), string(headersJSON),
		scope.Method, scope.Path, scope.Operation)
	if err != nil {
		return &errs.DatabaseError{Op: "set scope", Err: err}
	}
	return nil
}
