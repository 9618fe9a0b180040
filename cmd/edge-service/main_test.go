package main

import (
	"context"
	"path/filepath"
	"testing"

	"qms/edge-service/internal/config"
	"qms/edge-service/internal/store"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpenStoreSQLiteSeedsDirectory(t *testing.T) {
	ctx := context.Background()
	cfg := config.Config{
		Timezone: "America/Sao_Paulo",
		Database: config.DatabaseConfig{
			Driver:     config.DriverSQLite,
			SQLitePath: filepath.Join(t.TempDir(), "edge.db"),
		},
	}

	db, closeDB, err := openStore(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer closeDB()

	seed, err := store.ParseDirectorySeed([]byte(`
tenant:
  id: 11111111-1111-1111-1111-111111111111
  name: Clinica Centro
services:
  - id: 22222222-2222-2222-2222-222222222222
    name: Exames
    ticket_prefix: ex
counters:
  - id: 33333333-3333-3333-3333-333333333333
    name: Guiche 1
`))
	require.NoError(t, err)
	require.NoError(t, db.SeedDirectory(ctx, seed))
	// Applying the same seed twice is harmless.
	require.NoError(t, db.SeedDirectory(ctx, seed))

	services, err := db.ListServices(ctx, seed.Tenant.TenantID)
	require.NoError(t, err)
	require.Len(t, services, 1)
	require.Equal(t, "EX", services[0].TicketPrefix)

	tenant, err := db.GetTenant(ctx, seed.Tenant.TenantID)
	require.NoError(t, err)
	require.Equal(t, "Clinica Centro", tenant.Name)
}
