package store

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/YangTris/Hotel-Microservice/internal/saga"
)

func TestSagaDocument_RoundTrip(t *testing.T) {
	s := fixture("s-doc")

	doc, err := newSagaDocument(s)
	require.NoError(t, err)
	assert.Equal(t, s.ID, doc.ID)
	assert.Equal(t, string(saga.StateRoomReserving), doc.State)
	require.NotNil(t, doc.Deadline)
	require.Len(t, doc.Outbox, 1)

	raw, err := bson.Marshal(doc)
	require.NoError(t, err)
	var decoded sagaDocument
	require.NoError(t, bson.Unmarshal(raw, &decoded))

	got, err := decoded.toSaga()
	require.NoError(t, err)
	if diff := cmp.Diff(s, got, sagaDiff...); diff != "" {
		t.Fatalf("decoded saga differs (-want +got):\n%s", diff)
	}
}

func TestSagaDocument_TerminalHasNoDeadline(t *testing.T) {
	s := fixture("s-doc-done")
	s.State = saga.StateCompleted
	s.Deadline = time.Time{}
	s.Outbox = nil

	doc, err := newSagaDocument(s)
	require.NoError(t, err)
	assert.Nil(t, doc.Deadline)
	assert.Empty(t, doc.Outbox)
	assert.NotNil(t, doc.Outbox, "outbox must encode as an empty array for $pull")
}

func TestMongoConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultMongoConfig().Validate())

	cfg := DefaultMongoConfig()
	cfg.Collection = ""
	assert.Error(t, cfg.Validate())
}
