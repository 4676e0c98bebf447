package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	s := fixture("s-copy")
	require.NoError(t, st.Save(ctx, s, 0))

	s.RoomID = "mutated"
	got, _, err := st.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "R1", got.RoomID)

	got.Applied[0] = "mutated"
	again, _, err := st.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", again.Applied[0])
	assert.Equal(t, 1, st.Len())
}

func TestFactory_New(t *testing.T) {
	backend, err := New(context.Background(), Config{Driver: DriverMemory})
	require.NoError(t, err)
	assert.Equal(t, "memory-store", backend.Name())

	_, err = New(context.Background(), Config{Driver: "cassandra"})
	assert.Error(t, err)

	assert.Error(t, Config{Driver: DriverPostgres}.Validate())
	assert.NoError(t, DefaultConfig().Validate())
}
