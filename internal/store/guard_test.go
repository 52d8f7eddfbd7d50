package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateReadOnly_Allowed(t *testing.T) {
	for _, q := range []string{
		"SELECT * FROM income",
		"select source_name, gross_amount from income where category = 'salary'",
		"SELECT SUM(amount) FROM payments;",
		"WITH flows AS (SELECT category, amount FROM payments) SELECT * FROM flows",
		"(SELECT 1)",
		"SELECT /* yearly totals */ SUM(gross_amount) FROM income",
		"SELECT period FROM income -- latest first",
	} {
		assert.NoError(t, ValidateReadOnly(q), "query %q", q)
	}
}

func TestValidateReadOnly_Rejected(t *testing.T) {
	for _, q := range []string{
		"",
		"   ",
		"DELETE FROM income",
		"DROP TABLE income",
		"INSERT INTO income (id) VALUES ('x')",
		"UPDATE income SET gross_amount = 0",
		"SELECT * FROM income; DROP TABLE income",
		"WITH x AS (DELETE FROM payments RETURNING *) SELECT * FROM x",
		"WITH t AS (/*x*/DELETE FROM income RETURNING id) SELECT * FROM t",
		"WITH t AS (--\nDELETE FROM income RETURNING id) SELECT * FROM t",
		"SELECT * FROM income WHERE id IN (SELECT id FROM t);DELETE FROM income",
		"/* harmless */",
		"PRAGMA journal_mode=DELETE",
		"VACUUM",
		"CREATE TABLE t (id TEXT)",
	} {
		err := ValidateReadOnly(q)
		assert.Error(t, err, "query %q", q)
		assert.ErrorIs(t, err, ErrUnsafeQuery, "query %q", q)
	}
}
