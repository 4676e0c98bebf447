//go:build integration

package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/YangTris/Hotel-Microservice/framework/migrations"
)

var (
	postgresOnce sync.Once
	postgresDSN  string
	postgresErr  error
)

// startPostgres поднимает один контейнер на процесс и накатывает миграции
func startPostgres(t *testing.T) string {
	t.Helper()
	postgresOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		req := testcontainers.ContainerRequest{
			Image:        "postgres:17",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "testpass",
				"POSTGRES_DB":       "booking",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2 * time.Minute),
		}
		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			postgresErr = err
			return
		}

		host, err := container.Host(ctx)
		if err != nil {
			postgresErr = err
			return
		}
		port, err := container.MappedPort(ctx, "5432/tcp")
		if err != nil {
			postgresErr = err
			return
		}
		postgresDSN = fmt.Sprintf("postgres://test:testpass@%s:%s/booking?sslmode=disable", host, port.Port())

		db, err := migrations.Open(postgresDSN)
		if err != nil {
			postgresErr = err
			return
		}
		defer db.Close()
		postgresErr = migrations.RunMigrations(ctx, db)
	})
	require.NoError(t, postgresErr)
	return postgresDSN
}

func TestPostgresStore_Contract(t *testing.T) {
	dsn := startPostgres(t)

	runStoreContract(t, func(t *testing.T) Store {
		ctx := context.Background()
		pool, err := pgxpool.New(ctx, dsn)
		require.NoError(t, err)
		t.Cleanup(pool.Close)

		_, err = pool.Exec(ctx, "TRUNCATE booking_sagas")
		require.NoError(t, err)
		return NewPostgresStoreFromPool(pool, "public", "booking_sagas")
	})
}
