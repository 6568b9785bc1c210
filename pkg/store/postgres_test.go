package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mario4tier/suiftly-co-sub006/pkg/clock"
)

func TestRebindPostgres(t *testing.T) {
	pg := &Store{dialect: DialectPostgres}
	lite := &Store{dialect: DialectSQLite}

	cases := []struct {
		in   string
		want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"UPDATE t SET a = ?, b = ? WHERE id = ? AND a + ? >= 0",
			"UPDATE t SET a = $1, b = $2 WHERE id = $3 AND a + $4 >= 0"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, pg.q(tc.in))
		assert.Equal(t, tc.in, lite.q(tc.in), "sqlite queries pass through untouched")
	}

	assert.Equal(t, "GREATEST", pg.greatest())
	assert.Equal(t, "MAX", lite.greatest())
}

func TestPostgresDialectQueries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	clk := clock.NewMock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	s := New(db, DialectPostgres, clk)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta(
		`UPDATE customers SET paid_once = TRUE, updated_at = $1 WHERE id = $2`)).
		WithArgs(sqlmock.AnyArg(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.SetCustomerPaidOnce(ctx, db, 7))

	mock.ExpectQuery(regexp.QuoteMeta(
		`UPDATE system_control SET pg1_next_index = pg1_next_index + 1 WHERE id = 1 RETURNING pg1_next_index - 1`)).
		WillReturnRows(sqlmock.NewRows([]string{"pg1_next_index"}).AddRow(int64(41)))
	idx, err := s.AllocateDerivationIndex(ctx, db, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(41), idx)

	// The watermark bump must use GREATEST on Postgres, not MAX.
	mock.ExpectQuery(`GREATEST\(sma_max_config_change_seq, sma_next_vault_seq\)`).
		WillReturnRows(sqlmock.NewRows([]string{"sma_next_vault_seq"}).AddRow(int64(5)))
	seq, err := s.MarkConfigChanged(ctx, db, VaultTypeSMA)
	require.NoError(t, err)
	assert.Equal(t, int64(5), seq)

	mock.ExpectExec(regexp.QuoteMeta(
		`UPDATE service_instances SET sma_config_change_vault_seq = $1, updated_at = $2 WHERE id = $3`)).
		WithArgs(int64(5), sqlmock.AnyArg(), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.SetServiceConfigChangeSeq(ctx, db, 9, VaultTypeSMA, 5))

	assert.NoError(t, mock.ExpectationsWereMet())
}
