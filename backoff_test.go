package dripflow

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelay(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.retryDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRetryDelay_Capped(t *testing.T) {
	cfg := Config{BackoffTime: time.Second, BackoffMultiplier: 10, MaxBackoff: 30 * time.Second}
	cfg.applyDefaults()

	assert.Equal(t, 10*time.Second, cfg.retryDelay(2))
	assert.Equal(t, 30*time.Second, cfg.retryDelay(3))
	assert.Equal(t, 30*time.Second, cfg.retryDelay(40))
}

func TestRetryDelay_UncappedDoesNotOverflow(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	assert.Zero(t, cfg.MaxBackoff)

	for _, attempt := range []int{64, 100, 2000} {
		d := cfg.retryDelay(attempt)
		assert.Equal(t, time.Duration(math.MaxInt64), d, "attempt %d", attempt)
	}
	assert.Positive(t, cfg.retryDelay(63))
}

func TestRebind(t *testing.T) {
	q := "SELECT * FROM jobs WHERE id = ? AND queue = ?"
	assert.Equal(t, q, DialectSQLite.Rebind(q))
	assert.Equal(t, "SELECT * FROM jobs WHERE id = $1 AND queue = $2", DialectPostgres.Rebind(q))
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{
		"":           DialectSQLite,
		"sqlite3":    DialectSQLite,
		"MySQL":      DialectMySQL,
		"postgresql": DialectPostgres,
		"pgx":        DialectPostgres,
	} {
		got, err := ParseDialect(in)
		assert.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDialect("oracle")
	assert.Error(t, err)
}
