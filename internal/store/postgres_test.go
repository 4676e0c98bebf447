package store

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YangTris/Hotel-Microservice/internal/saga"
)

func TestEncodeRow_SplitsOutbox(t *testing.T) {
	s := fixture("s-row")

	row, err := encodeRow(s)
	require.NoError(t, err)
	require.NotNil(t, row.deadline)
	assert.True(t, row.deadline.Equal(s.Deadline))
	assert.NotContains(t, string(row.snapshot), `"outbox"`)
	assert.Contains(t, string(row.outbox), s.Outbox[0].Key)

	got, err := decodeRow(row.snapshot, row.outbox)
	require.NoError(t, err)
	if diff := cmp.Diff(s, got, sagaDiff...); diff != "" {
		t.Fatalf("decoded saga differs (-want +got):\n%s", diff)
	}
}

func TestEncodeRow_EmptyOutboxIsArray(t *testing.T) {
	s := fixture("s-empty")
	s.Outbox = nil
	s.State = saga.StateCompleted
	s.Deadline = time.Time{}

	row, err := encodeRow(s)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(row.outbox))
	assert.Nil(t, row.deadline)

	got, err := decodeRow(row.snapshot, row.outbox)
	require.NoError(t, err)
	assert.Nil(t, got.Outbox)
}

func TestPostgresConfig_Validate(t *testing.T) {
	cfg := DefaultPostgresConfig()
	assert.Error(t, cfg.Validate())

	cfg.DSN = "postgres://localhost/booking"
	assert.NoError(t, cfg.Validate())

	cfg.MinConns = cfg.MaxConns + 1
	assert.Error(t, cfg.Validate())
}

func TestNewPostgresStoreFromPool_QuotesTable(t *testing.T) {
	st := NewPostgresStoreFromPool(nil, "public", "booking_sagas")
	assert.Equal(t, `"public"."booking_sagas"`, st.table)

	st = NewPostgresStoreFromPool(nil, "", "sagas")
	assert.Equal(t, `"sagas"`, st.table)
}
