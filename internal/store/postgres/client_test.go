package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/router?sslmode=disable",
		DSN(Config{Host: "db", Database: "router", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://x", DSN(Config{DSN: " postgres://x ", Host: "ignored"}))
	assert.Equal(t, "postgres://u:p@db:6432/r?sslmode=require",
		DSN(Config{Host: "db", Port: 6432, Database: "r", User: "u", Password: "p", SSLMode: "require"}))
}

func TestMigrationsOrdered(t *testing.T) {
	names, err := Migrations()
	require.NoError(t, err)
	assert.Equal(t, []string{"001_orders.sql", "002_reconciliation_events.sql"}, names)
}
