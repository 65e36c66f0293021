//go:build integration

package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cosmasemerah/verify-nft-claim/internal/domain/model"
	"github.com/cosmasemerah/verify-nft-claim/internal/store/postgres"
	"github.com/cosmasemerah/verify-nft-claim/internal/watermark"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// testDB connects to TEST_DB_URL when set, otherwise starts a disposable
// PostgreSQL container. Migrations are applied either way.
func testDB(t *testing.T) *postgres.DB {
	t.Helper()
	ctx := context.Background()

	url := os.Getenv("TEST_DB_URL")
	if url == "" {
		container, err := tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("test_claim_relay"),
			tcpostgres.WithUsername("test"),
			tcpostgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second),
			),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			require.NoError(t, container.Terminate(context.Background()))
		})

		url, err = container.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	db, err := postgres.New(ctx, postgres.Config{
		URL:             url,
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.RunMigrations(ctx))
	require.NoError(t, db.RunMigrations(ctx), "migrations must be idempotent")
	return db
}

func testContract() string {
	return "0x" + uuid.NewString()[:8]
}

func TestWatermarkRepo_LoadMissing(t *testing.T) {
	repo := postgres.NewWatermarkRepo(testDB(t), model.ChainEthereum, testContract())

	_, err := repo.Load(context.Background())
	assert.ErrorIs(t, err, watermark.ErrNotFound)

	got := watermark.LoadOrDefault(context.Background(), repo, model.GenesisBlock, nil)
	assert.Equal(t, model.GenesisBlock, got)
}

func TestWatermarkRepo_SaveLoad(t *testing.T) {
	repo := postgres.NewWatermarkRepo(testDB(t), model.ChainEthereum, testContract())
	ctx := context.Background()

	for _, n := range []model.BlockNumber{model.GenesisBlock, 6600000, 18446744073709551615} {
		require.NoError(t, repo.Save(ctx, n))
		got, err := repo.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}
}

func TestWatermarkRepo_ScopedPerContract(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	a := postgres.NewWatermarkRepo(db, model.ChainEthereum, testContract())
	b := postgres.NewWatermarkRepo(db, model.ChainEthereum, testContract())

	require.NoError(t, a.Save(ctx, 100))
	_, err := b.Load(ctx)
	assert.ErrorIs(t, err, watermark.ErrNotFound)
}

func TestWatermarkRepo_AcquireIsExclusive(t *testing.T) {
	db := testDB(t)
	contract := testContract()
	first := postgres.NewWatermarkRepo(db, model.ChainEthereum, contract)
	second := postgres.NewWatermarkRepo(db, model.ChainEthereum, contract)
	ctx := context.Background()

	release, err := first.Acquire(ctx)
	require.NoError(t, err)

	_, err = second.Acquire(ctx)
	assert.ErrorIs(t, err, watermark.ErrLocked)

	release()

	release2, err := second.Acquire(ctx)
	require.NoError(t, err)
	release2()
}
