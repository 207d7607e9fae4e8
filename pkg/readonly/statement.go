package readonly

import (
	"regexp"
	"strings"

	pkgerrors "github.com/ESnark/ansible-database-mcp/pkg/errors"
)

// StatementClass is the coarse category a SQL statement falls into for
// read-only enforcement. Connection-level verification is the primary
// control; this classification is the statement-level backstop in front
// of it.
type StatementClass int

const (
	// ClassRead covers statements that only read data.
	ClassRead StatementClass = iota
	// ClassWrite covers statements that mutate data or schema.
	ClassWrite
	// ClassTransaction covers transaction control statements.
	ClassTransaction
	// ClassUtility covers introspection and session statements.
	ClassUtility
	// ClassUnknown covers statements no pattern recognizes.
	ClassUnknown
)

// String returns the class name.
func (c StatementClass) String() string {
	switch c {
	case ClassRead:
		return "read"
	case ClassWrite:
		return "write"
	case ClassTransaction:
		return "transaction"
	case ClassUtility:
		return "utility"
	default:
		return "unknown"
	}
}

var (
	writeStatementPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*INSERT\s`),
		regexp.MustCompile(`(?i)^\s*UPDATE\s`),
		regexp.MustCompile(`(?i)^\s*DELETE\s`),
		regexp.MustCompile(`(?i)^\s*REPLACE\s`),
		regexp.MustCompile(`(?i)^\s*MERGE\s`),
		regexp.MustCompile(`(?i)^\s*CREATE\s`),
		regexp.MustCompile(`(?i)^\s*DROP\s`),
		regexp.MustCompile(`(?i)^\s*ALTER\s`),
		regexp.MustCompile(`(?i)^\s*TRUNCATE\s`),
		regexp.MustCompile(`(?i)^\s*RENAME\s`),
		regexp.MustCompile(`(?i)^\s*GRANT\s`),
		regexp.MustCompile(`(?i)^\s*REVOKE\s`),
		regexp.MustCompile(`(?i)^\s*LOAD\s+DATA\s`),
		regexp.MustCompile(`(?i)^\s*COPY\s+.*\sFROM\s`),
		regexp.MustCompile(`(?i)^\s*CALL\s`),
		regexp.MustCompile(`(?i)^\s*OPTIMIZE\s`),
		regexp.MustCompile(`(?i)^\s*REFRESH\s`),
		regexp.MustCompile(`(?i)^\s*VACUUM\s`),
	}

	readStatementPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*SELECT\s`),
		regexp.MustCompile(`(?i)^\s*\(\s*SELECT\s`),
		regexp.MustCompile(`(?i)^\s*WITH\s`),
		regexp.MustCompile(`(?i)^\s*VALUES\s`),
		regexp.MustCompile(`(?i)^\s*TABLE\s`),
	}

	transactionStatementPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*BEGIN\b`),
		regexp.MustCompile(`(?i)^\s*START\s+TRANSACTION\b`),
		regexp.MustCompile(`(?i)^\s*COMMIT\b`),
		regexp.MustCompile(`(?i)^\s*ROLLBACK\b`),
		regexp.MustCompile(`(?i)^\s*SAVEPOINT\s`),
		regexp.MustCompile(`(?i)^\s*RELEASE\s+SAVEPOINT\s`),
		regexp.MustCompile(`(?i)^\s*SET\s+TRANSACTION\b`),
	}

	utilityStatementPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*SHOW\s`),
		regexp.MustCompile(`(?i)^\s*DESCRIBE\s`),
		regexp.MustCompile(`(?i)^\s*DESC\s`),
		regexp.MustCompile(`(?i)^\s*EXPLAIN\s`),
		regexp.MustCompile(`(?i)^\s*USE\s`),
		regexp.MustCompile(`(?i)^\s*SET\s`),
	}

	lineComment  = regexp.MustCompile(`^\s*--[^\n]*\n?`)
	blockComment = regexp.MustCompile(`(?s)^\s*/\*.*?\*/`)
)

// ClassifyStatement determines the class of a SQL statement. WITH is treated
// as read because writable CTE targets are not part of the supported dialects.
func ClassifyStatement(statement string) StatementClass {
	stripped := stripLeadingComments(statement)
	if strings.TrimSpace(stripped) == "" {
		return ClassUnknown
	}

	// Writes first: CREATE and friends must win even when a later pattern
	// could also match the statement head.
	for _, pattern := range writeStatementPatterns {
		if pattern.MatchString(stripped) {
			return ClassWrite
		}
	}
	for _, pattern := range transactionStatementPatterns {
		if pattern.MatchString(stripped) {
			return ClassTransaction
		}
	}
	for _, pattern := range readStatementPatterns {
		if pattern.MatchString(stripped) {
			return ClassRead
		}
	}
	for _, pattern := range utilityStatementPatterns {
		if pattern.MatchString(stripped) {
			return ClassUtility
		}
	}
	return ClassUnknown
}

// CheckStatement rejects statements that are not provably read-only.
// Transaction control is rejected separately because transaction lifecycle
// belongs to the broker, not to callers.
func CheckStatement(statement string) error {
	switch class := ClassifyStatement(statement); class {
	case ClassRead, ClassUtility:
		return nil
	case ClassTransaction:
		return pkgerrors.New(pkgerrors.CodeUnsupported,
			"transaction control statements are managed by the broker and cannot be issued directly").
			WithDetail("class", class.String())
	default:
		return pkgerrors.Newf(pkgerrors.CodeWritePermission,
			"statement rejected: classified as %s, only read statements are allowed", class).
			WithDetail("class", class.String())
	}
}

func stripLeadingComments(statement string) string {
	for {
		if m := lineComment.FindString(statement); m != "" {
			statement = statement[len(m):]
			continue
		}
		if m := blockComment.FindString(statement); m != "" {
			statement = statement[len(m):]
			continue
		}
		return statement
	}
}
