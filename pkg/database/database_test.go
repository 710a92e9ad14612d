package database_test

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veridata-exchange/exchange-engine/pkg/config"
	"github.com/veridata-exchange/exchange-engine/pkg/database"
	"github.com/veridata-exchange/exchange-engine/pkg/testhelpers"
)

func TestConnectRejectsInvalidConfig(t *testing.T) {
	cfg := config.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "exchange",
		Database: "exchange_engine",
		SSLMode:  "bogus",
	}

	_, err := database.Connect(context.Background(), cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse database config")
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	db := testhelpers.GetTestDB(t)

	// The shared container already has the schema applied. A second run must
	// find nothing to do.
	migrationDB, err := sql.Open("pgx", db.ConnStr)
	require.NoError(t, err)
	defer migrationDB.Close()

	require.NoError(t, database.RunMigrations(migrationDB, zap.NewNop()))

	// The embedded schema is present in full.
	for _, table := range []string{"connection", "connection_invite", "query", "query_rpc"} {
		var exists bool
		require.NoError(t, db.DB.Pool.QueryRow(context.Background(),
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`,
			table).Scan(&exists))
		assert.True(t, exists, "table %s should exist", table)
	}
}
