package readonly

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	pkgerrors "github.com/ESnark/ansible-database-mcp/pkg/errors"
)

// writePrivileges are the MySQL privileges that allow mutating data or schema.
var writePrivileges = []string{
	"INSERT", "UPDATE", "DELETE", "CREATE", "DROP", "ALTER", "INDEX",
	"REFERENCES", "CREATE TEMPORARY TABLES", "LOCK TABLES", "CREATE VIEW",
	"CREATE ROUTINE", "ALTER ROUTINE", "EVENT", "TRIGGER",
}

// elevatedPrivileges bypass the server's read_only flag.
var elevatedPrivileges = []string{"SUPER", "CONNECTION_ADMIN", "READ_ONLY_ADMIN"}

var privilegePatterns = compilePrivilegePatterns()

func compilePrivilegePatterns() map[string]*regexp.Regexp {
	patterns := make(map[string]*regexp.Regexp)
	all := make([]string, 0, len(writePrivileges)+len(elevatedPrivileges)+1)
	all = append(all, writePrivileges...)
	all = append(all, elevatedPrivileges...)
	all = append(all, "EXECUTE")
	for _, p := range all {
		patterns[p] = regexp.MustCompile(`\b` + strings.ReplaceAll(regexp.QuoteMeta(p), ` `, `\s+`) + `\b`)
	}
	return patterns
}

// MySQLVerifier checks that a MySQL or MariaDB credential is strictly
// read-only by combining server-level flags with the user's grants.
type MySQLVerifier struct {
	logger zerolog.Logger
}

// NewMySQLVerifier creates a verifier for MySQL-family backends.
func NewMySQLVerifier(logger zerolog.Logger) *MySQLVerifier {
	return &MySQLVerifier{
		logger: logger.With().Str("component", "readonly_verifier").Str("backend", "mysql").Logger(),
	}
}

// Verify inspects server flags and grants and decides whether the connection
// can be trusted as read-only.
//
// Decision order:
//  1. innodb_read_only set: the whole instance rejects writes, read-only.
//  2. read_only or super_read_only set: read-only unless the user holds a
//     privilege that bypasses the flag (SUPER or ALL PRIVILEGES).
//  3. Writable server: read-only only when the grants carry no write
//     privilege and no EXECUTE (stored routines may write).
func (v *MySQLVerifier) Verify(ctx context.Context, db *sql.DB) (Verdict, error) {
	flags, err := v.readServerFlags(ctx, db)
	if err != nil {
		return Verdict{}, err
	}

	grants, err := v.readGrants(ctx, db)
	if err != nil {
		return Verdict{}, err
	}

	verdict := Verdict{ReadOnly: true}

	if flags.innodbReadOnly {
		verdict.Reasons = append(verdict.Reasons, "innodb_read_only is enabled, instance rejects all writes")
		v.logVerdict(verdict, flags, grants)
		return verdict, nil
	}

	if flags.readOnly || flags.superReadOnly {
		if grants.elevated {
			verdict.deny(fmt.Sprintf("server is read-only but user holds %s which bypasses the flag", grants.elevatedVia))
		} else {
			verdict.Reasons = append(verdict.Reasons, "server read_only flag is enabled and user cannot bypass it")
		}
		v.logVerdict(verdict, flags, grants)
		return verdict, nil
	}

	if grants.write {
		verdict.deny(fmt.Sprintf("user holds write privilege %s on a writable server", grants.writeVia))
	}
	if grants.execute {
		verdict.deny("user holds EXECUTE on a writable server, stored routines may write")
	}
	if verdict.ReadOnly {
		verdict.Reasons = append(verdict.Reasons, "no write or EXECUTE privileges granted")
	}
	v.logVerdict(verdict, flags, grants)
	return verdict, nil
}

type serverFlags struct {
	innodbReadOnly bool
	readOnly       bool
	superReadOnly  bool
}

func (v *MySQLVerifier) readServerFlags(ctx context.Context, db *sql.DB) (serverFlags, error) {
	var flags serverFlags

	// The driver returns flags as integers on the binary protocol and as
	// bytes on the text protocol; int scan targets handle both.
	var innodb, readOnly int
	if err := db.QueryRowContext(ctx, "SELECT @@innodb_read_only").Scan(&innodb); err != nil {
		return flags, pkgerrors.Wrap(err, pkgerrors.CodeQueryFailed, "failed to read innodb_read_only flag")
	}
	if err := db.QueryRowContext(ctx, "SELECT @@read_only").Scan(&readOnly); err != nil {
		return flags, pkgerrors.Wrap(err, pkgerrors.CodeQueryFailed, "failed to read read_only flag")
	}
	flags.innodbReadOnly = innodb != 0
	flags.readOnly = readOnly != 0

	// super_read_only does not exist on MariaDB; absence means unset.
	var superReadOnly int
	if err := db.QueryRowContext(ctx, "SELECT @@super_read_only").Scan(&superReadOnly); err == nil {
		flags.superReadOnly = superReadOnly != 0
	}

	return flags, nil
}

type grantFindings struct {
	write       bool
	writeVia    string
	execute     bool
	elevated    bool
	elevatedVia string
}

func (v *MySQLVerifier) readGrants(ctx context.Context, db *sql.DB) (grantFindings, error) {
	var findings grantFindings

	rows, err := db.QueryContext(ctx, "SHOW GRANTS FOR CURRENT_USER()")
	if err != nil {
		return findings, pkgerrors.Wrap(err, pkgerrors.CodeQueryFailed, "failed to enumerate grants")
	}
	defer rows.Close()

	for rows.Next() {
		var grant string
		if err := rows.Scan(&grant); err != nil {
			return findings, pkgerrors.Wrap(err, pkgerrors.CodeQueryFailed, "failed to scan grant row")
		}
		v.inspectGrant(strings.ToUpper(grant), &findings)
	}
	if err := rows.Err(); err != nil {
		return findings, pkgerrors.Wrap(err, pkgerrors.CodeQueryFailed, "grant enumeration interrupted")
	}
	return findings, nil
}

func (v *MySQLVerifier) inspectGrant(grant string, findings *grantFindings) {
	// GRANT statements may carry privilege names inside quoted identifiers;
	// only the clause before ON carries privileges.
	clause := grant
	if idx := strings.Index(grant, " ON "); idx >= 0 {
		clause = grant[:idx]
	}

	if strings.Contains(clause, "ALL PRIVILEGES") {
		findings.write = true
		findings.writeVia = "ALL PRIVILEGES"
		findings.elevated = true
		findings.elevatedVia = "ALL PRIVILEGES"
		findings.execute = true
		return
	}

	for _, p := range writePrivileges {
		if !findings.write && privilegePatterns[p].MatchString(clause) {
			findings.write = true
			findings.writeVia = p
		}
	}
	for _, p := range elevatedPrivileges {
		if !findings.elevated && privilegePatterns[p].MatchString(clause) {
			findings.elevated = true
			findings.elevatedVia = p
		}
	}
	if privilegePatterns["EXECUTE"].MatchString(clause) {
		findings.execute = true
	}
}

func (v *MySQLVerifier) logVerdict(verdict Verdict, flags serverFlags, grants grantFindings) {
	v.logger.Info().
		Bool("read_only", verdict.ReadOnly).
		Bool("innodb_read_only", flags.innodbReadOnly).
		Bool("server_read_only", flags.readOnly || flags.superReadOnly).
		Bool("write_grants", grants.write).
		Bool("execute_grant", grants.execute).
		Strs("reasons", verdict.Reasons).
		Msg("Read-only verification completed")
}
