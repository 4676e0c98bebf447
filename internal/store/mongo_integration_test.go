//go:build integration

package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	mongoOnce sync.Once
	mongoURI  string
	mongoErr  error
)

// startMongo поднимает один контейнер MongoDB на процесс
func startMongo(t *testing.T) string {
	t.Helper()
	mongoOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor: wait.ForListeningPort("27017/tcp").
				WithStartupTimeout(2 * time.Minute),
		}
		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			mongoErr = err
			return
		}

		host, err := container.Host(ctx)
		if err != nil {
			mongoErr = err
			return
		}
		port, err := container.MappedPort(ctx, "27017/tcp")
		if err != nil {
			mongoErr = err
			return
		}
		mongoURI = fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	})
	require.NoError(t, mongoErr)
	return mongoURI
}

func TestMongoStore_Contract(t *testing.T) {
	uri := startMongo(t)
	var n atomic.Int32

	runStoreContract(t, func(t *testing.T) Store {
		ctx := context.Background()
		cfg := DefaultMongoConfig()
		cfg.URI = uri
		cfg.Database = "booking_test"
		// отдельная коллекция на каждый подтест
		cfg.Collection = fmt.Sprintf("sagas_%d", n.Add(1))

		st, err := NewMongoStore(ctx, cfg)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = st.collection.Drop(context.Background())
			_ = st.Stop(context.Background())
		})
		return st
	})
}
