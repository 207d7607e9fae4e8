package readonly

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	pkgerrors "github.com/ESnark/ansible-database-mcp/pkg/errors"
)

// Executor runs a single SQL statement against a warehouse and returns the
// result rows as column-name keyed maps.
type Executor interface {
	Execute(ctx context.Context, statement string) ([]map[string]interface{}, error)
}

// warehouseWritePrivileges are the grant actions that allow mutating data or
// metadata on a warehouse catalog or schema.
var warehouseWritePrivileges = map[string]bool{
	"CREATE":          true,
	"CREATE_TABLE":    true,
	"CREATE_SCHEMA":   true,
	"CREATE_FUNCTION": true,
	"MODIFY":          true,
	"DELETE":          true,
	"DROP":            true,
	"ALTER":           true,
	"UPDATE":          true,
	"INSERT":          true,
	"WRITE_FILES":     true,
	"REFRESH":         true,
	"ALL_PRIVILEGES":  true,
	"ALL PRIVILEGES":  true,
}

// WarehouseVerifier checks that a warehouse credential is read-only by
// enumerating catalog and schema grants, falling back to a harmless write
// probe when the grants catalog itself is not readable.
type WarehouseVerifier struct {
	logger zerolog.Logger
}

// NewWarehouseVerifier creates a verifier for warehouse backends.
func NewWarehouseVerifier(logger zerolog.Logger) *WarehouseVerifier {
	return &WarehouseVerifier{
		logger: logger.With().Str("component", "readonly_verifier").Str("backend", "warehouse").Logger(),
	}
}

// Verify decides whether the credential behind exec can write.
//
// The primary path enumerates grants on the current catalog, and on the
// current schema when one is set. Any write-capable grant held by the current
// user denies the verdict; EXECUTE produces a warning only, since warehouse
// functions run under the invoker's own privileges.
//
// When grant enumeration fails, which is common for restricted principals
// that cannot read the grants catalog, the verifier probes instead: it
// attempts to create a uniquely named temporary view. A permission error
// proves the credential cannot write; success proves it can. Any other probe
// failure yields a degraded read-only verdict, erring on the side of
// admitting a credential the backend itself could not classify.
func (v *WarehouseVerifier) Verify(ctx context.Context, exec Executor) (Verdict, error) {
	user, err := scalar(ctx, exec, "SELECT current_user()")
	if err != nil {
		return Verdict{}, pkgerrors.Wrap(err, pkgerrors.CodeQueryFailed, "failed to resolve current user")
	}
	catalog, err := scalar(ctx, exec, "SELECT current_catalog()")
	if err != nil {
		return Verdict{}, pkgerrors.Wrap(err, pkgerrors.CodeQueryFailed, "failed to resolve current catalog")
	}
	schema, _ := scalar(ctx, exec, "SELECT current_schema()")

	grants, enumErr := v.enumerateGrants(ctx, exec, user, catalog, schema)
	if enumErr != nil {
		v.logger.Warn().Err(enumErr).Str("catalog", catalog).
			Msg("Grant enumeration failed, falling back to write probe")
		return v.probe(ctx, exec)
	}

	verdict := Verdict{ReadOnly: true}
	for _, g := range grants {
		priv := strings.ToUpper(g)
		if warehouseWritePrivileges[priv] {
			verdict.deny(fmt.Sprintf("user %s holds %s on %s", user, priv, catalog))
		}
		if priv == "EXECUTE" {
			verdict.warn(fmt.Sprintf("user %s holds EXECUTE on %s, functions run with invoker privileges", user, catalog))
		}
	}
	if verdict.ReadOnly {
		verdict.Reasons = append(verdict.Reasons, fmt.Sprintf("no write grants for %s on catalog %s", user, catalog))
	}

	v.logger.Info().
		Bool("read_only", verdict.ReadOnly).
		Str("user", user).
		Str("catalog", catalog).
		Int("grants", len(grants)).
		Strs("reasons", verdict.Reasons).
		Msg("Read-only verification completed")
	return verdict, nil
}

// enumerateGrants collects the privilege names granted to user on the current
// catalog and schema. The catalog listing is required; the schema listing is
// best-effort since restricted principals often cannot see it.
func (v *WarehouseVerifier) enumerateGrants(ctx context.Context, exec Executor, user, catalog, schema string) ([]string, error) {
	rows, err := exec.Execute(ctx, fmt.Sprintf("SHOW GRANTS ON CATALOG %s", quoteIdent(catalog)))
	if err != nil {
		return nil, err
	}
	grants := collectGrants(rows, user)

	if schema != "" {
		schemaRows, err := exec.Execute(ctx,
			fmt.Sprintf("SHOW GRANTS ON SCHEMA %s.%s", quoteIdent(catalog), quoteIdent(schema)))
		if err != nil {
			v.logger.Debug().Err(err).Str("schema", schema).Msg("Schema grant listing unavailable, using catalog grants only")
		} else {
			grants = append(grants, collectGrants(schemaRows, user)...)
		}
	}
	return grants, nil
}

// collectGrants extracts privilege names from SHOW GRANTS rows, keeping only
// rows granted to the given principal when the listing carries one.
func collectGrants(rows []map[string]interface{}, user string) []string {
	var out []string
	for _, row := range rows {
		if principal, ok := stringField(row, "principal", "grantee"); ok {
			if !strings.EqualFold(principal, user) {
				continue
			}
		}
		if priv, ok := stringField(row, "action_type", "privilege", "privilege_type"); ok {
			out = append(out, priv)
		}
	}
	return out
}

func stringField(row map[string]interface{}, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := row[k]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

// probe attempts a harmless write to classify a credential whose grants are
// unreadable. The view name is unique per attempt so a leaked view from an
// interrupted run can never collide.
func (v *WarehouseVerifier) probe(ctx context.Context, exec Executor) (Verdict, error) {
	viewName := "ro_probe_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err := exec.Execute(ctx, fmt.Sprintf("CREATE TEMPORARY VIEW %s AS SELECT 1", viewName))
	if err == nil {
		// The write succeeded; clean up and deny.
		if _, dropErr := exec.Execute(ctx, fmt.Sprintf("DROP VIEW IF EXISTS %s", viewName)); dropErr != nil {
			v.logger.Warn().Err(dropErr).Str("view", viewName).Msg("Failed to drop probe view")
		}
		verdict := Verdict{}
		verdict.deny("write probe succeeded, credential can create objects")
		v.logger.Warn().Msg("Write probe succeeded, rejecting credential")
		return verdict, nil
	}

	if isPermissionDenied(err) {
		v.logger.Info().Msg("Write probe denied by backend, credential confirmed read-only")
		return Verdict{
			ReadOnly: true,
			Reasons:  []string{"write probe rejected with a permission error"},
		}, nil
	}

	// The probe failed for a reason other than permissions, so the
	// credential's write capability is unknown. Admit it as read-only but
	// flag the verdict so callers can surface the uncertainty.
	v.logger.Warn().Err(err).Msg("Write probe inconclusive, admitting with degraded verdict")
	return Verdict{
		ReadOnly: true,
		Degraded: true,
		Reasons:  []string{"write probe inconclusive, verdict degraded"},
		Warnings: []string{fmt.Sprintf("probe failed without a permission signature: %v", err)},
	}, nil
}

// isPermissionDenied recognizes the permission-failure signatures warehouse
// backends use for denied DDL.
func isPermissionDenied(err error) bool {
	msg := strings.ToUpper(err.Error())
	for _, sig := range []string{
		"PERMISSION_DENIED",
		"PERMISSION DENIED",
		"INSUFFICIENT_PERMISSIONS",
		"INSUFFICIENT PRIVILEGES",
		"DOES NOT HAVE PERMISSION",
		"ACCESS DENIED",
		"UNAUTHORIZED",
	} {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// scalar runs a single-value query and returns the first column of the first
// row as a string.
func scalar(ctx context.Context, exec Executor, statement string) (string, error) {
	rows, err := exec.Execute(ctx, statement)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("query %q returned no rows", statement)
	}
	for _, v := range rows[0] {
		if s, ok := v.(string); ok {
			return s, nil
		}
	}
	return "", fmt.Errorf("query %q returned no string column", statement)
}

// quoteIdent wraps an identifier in backticks, escaping embedded backticks.
func quoteIdent(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}
