package databasetest

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/ahmetcoskunkizilkaya/billing-core/internal/database"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PostgresURLEnv names the connection URL Postgres reads. Tests using it are
// skipped when it is unset.
const PostgresURLEnv = "BILLING_TEST_DATABASE_URL"

// Postgres returns a migrated database in a fresh schema of the server at
// $BILLING_TEST_DATABASE_URL. The schema is dropped when t ends.
func Postgres(t testing.TB) *gorm.DB {
	t.Helper()

	base := os.Getenv(PostgresURLEnv)
	if base == "" {
		t.Skipf("%s is not set", PostgresURLEnv)
	}

	cfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}
	admin, err := gorm.Open(postgres.Open(base), cfg)
	require.NoError(t, err)

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	require.NoError(t, admin.Exec(fmt.Sprintf("CREATE SCHEMA %s", schema)).Error)

	dsn, err := url.Parse(base)
	require.NoError(t, err)
	query := dsn.Query()
	query.Set("search_path", schema)
	dsn.RawQuery = query.Encode()

	db, err := gorm.Open(postgres.Open(dsn.String()), cfg)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(20)

	t.Cleanup(func() {
		_ = sqlDB.Close()
		_ = admin.Exec(fmt.Sprintf("DROP SCHEMA %s CASCADE", schema)).Error
		if adminDB, err := admin.DB(); err == nil {
			_ = adminDB.Close()
		}
	})

	require.NoError(t, database.Migrate(db))
	return db
}
