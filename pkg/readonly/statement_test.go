package readonly

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/ESnark/ansible-database-mcp/pkg/errors"
)

func TestClassifyStatement(t *testing.T) {
	cases := []struct {
		name      string
		statement string
		want      StatementClass
	}{
		{"plain select", "SELECT id FROM users", ClassRead},
		{"lowercase select", "select 1", ClassRead},
		{"cte", "WITH recent AS (SELECT * FROM orders) SELECT * FROM recent", ClassRead},
		{"parenthesized select", "(SELECT 1) UNION (SELECT 2)", ClassRead},
		{"values", "VALUES (1), (2)", ClassRead},
		{"insert", "INSERT INTO users VALUES (1)", ClassWrite},
		{"update", "UPDATE users SET name = 'x'", ClassWrite},
		{"delete", "DELETE FROM users", ClassWrite},
		{"create table", "CREATE TABLE t (id INT)", ClassWrite},
		{"create view", "CREATE VIEW v AS SELECT 1", ClassWrite},
		{"drop", "DROP TABLE users", ClassWrite},
		{"alter", "ALTER TABLE users ADD COLUMN x INT", ClassWrite},
		{"truncate", "TRUNCATE TABLE users", ClassWrite},
		{"grant", "GRANT SELECT ON db.* TO 'u'@'%'", ClassWrite},
		{"load data", "LOAD DATA INFILE '/tmp/x' INTO TABLE t", ClassWrite},
		{"stored procedure", "CALL do_things()", ClassWrite},
		{"warehouse refresh", "REFRESH TABLE sales.daily", ClassWrite},
		{"leading whitespace write", "   \n\tDELETE FROM users", ClassWrite},
		{"line comment before write", "-- cleanup\nDELETE FROM users", ClassWrite},
		{"block comment before write", "/* batch\n job */ INSERT INTO t VALUES (1)", ClassWrite},
		{"comment before read", "-- report\nSELECT count(*) FROM orders", ClassRead},
		{"begin", "BEGIN", ClassTransaction},
		{"start transaction", "START TRANSACTION", ClassTransaction},
		{"commit", "COMMIT", ClassTransaction},
		{"rollback", "ROLLBACK", ClassTransaction},
		{"set transaction", "SET TRANSACTION ISOLATION LEVEL READ COMMITTED", ClassTransaction},
		{"show", "SHOW TABLES", ClassUtility},
		{"describe", "DESCRIBE users", ClassUtility},
		{"explain", "EXPLAIN SELECT 1", ClassUtility},
		{"set", "SET time_zone = '+00:00'", ClassUtility},
		{"empty", "", ClassUnknown},
		{"only comment", "-- nothing here", ClassUnknown},
		{"gibberish", "FROBNICATE the database", ClassUnknown},
		{"selection is not select", "SELECTION_LOG", ClassUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyStatement(tc.statement),
				"statement: %q", tc.statement)
		})
	}
}

func TestCheckStatement(t *testing.T) {
	t.Run("reads and utility pass", func(t *testing.T) {
		assert.NoError(t, CheckStatement("SELECT 1"))
		assert.NoError(t, CheckStatement("SHOW TABLES"))
		assert.NoError(t, CheckStatement("EXPLAIN SELECT * FROM users"))
	})

	t.Run("writes are rejected", func(t *testing.T) {
		err := CheckStatement("DROP TABLE users")
		require.Error(t, err)
		assert.Equal(t, pkgerrors.CodeWritePermission, pkgerrors.GetCode(err))

		var dbErr *pkgerrors.DatabaseError
		require.ErrorAs(t, err, &dbErr)
		assert.Equal(t, "write", dbErr.Details["class"])
	})

	t.Run("unclassifiable statements are rejected", func(t *testing.T) {
		err := CheckStatement("FROBNICATE the database")
		require.Error(t, err)
		assert.Equal(t, pkgerrors.CodeWritePermission, pkgerrors.GetCode(err))
	})

	t.Run("transaction control is rejected", func(t *testing.T) {
		err := CheckStatement("COMMIT")
		require.Error(t, err)
		assert.Equal(t, pkgerrors.CodeUnsupported, pkgerrors.GetCode(err))
	})
}
