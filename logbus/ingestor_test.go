package logbus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethproofgate/relayproxy/logbus"
	"github.com/ethproofgate/relayproxy/routevalidate"
)

type fakeStore struct {
	mu         sync.Mutex
	watermarks map[string]uint64
}

func newFakeStore() *fakeStore {
	return &fakeStore{watermarks: map[string]uint64{}}
}

func (f *fakeStore) AdvanceWatermark(topic string, seq uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if seq > f.watermarks[topic] {
		f.watermarks[topic] = seq
	}
	return nil
}

func (f *fakeStore) get(topic string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watermarks[topic]
}

func TestIngestorProcessesSingleMessage(t *testing.T) {
	store := newFakeStore()
	var gotPayloads [][]byte
	validate := func(payload []byte) ([]routevalidate.Route, []routevalidate.InvalidRoute, error) {
		gotPayloads = append(gotPayloads, payload)
		return []routevalidate.Route{{Addr: "addr1", URL: "https://a.example"}}, nil, nil
	}
	var gotRoutes []routevalidate.Route
	onRoute := func(_ context.Context, r routevalidate.Route) { gotRoutes = append(gotRoutes, r) }

	ing := logbus.NewIngestor(store, validate, onRoute, nil, 0)
	msgs := make(chan logbus.Message, 1)
	msgs <- logbus.Message{TopicID: "t1", Sequence: 5, Payload: []byte("payload")}
	close(msgs)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	ing.Run(ctx, "t1", msgs)

	require.Len(t, gotPayloads, 1)
	assert.Equal(t, []byte("payload"), gotPayloads[0])
	require.Len(t, gotRoutes, 1)
	assert.EqualValues(t, 5, store.get("t1"))
}

func TestIngestorReassemblesChunksInOrder(t *testing.T) {
	store := newFakeStore()
	var got []byte
	validate := func(payload []byte) ([]routevalidate.Route, []routevalidate.InvalidRoute, error) {
		got = payload
		return nil, nil, nil
	}
	ing := logbus.NewIngestor(store, validate, func(context.Context, routevalidate.Route) {}, nil, time.Second)

	msgs := make(chan logbus.Message, 3)
	msgs <- logbus.Message{Sequence: 1, Payload: []byte("AA"), ChunkInfo: &logbus.ChunkInfo{Total: 3, Index: 0, TransactionValid: "tx-1"}}
	msgs <- logbus.Message{Sequence: 3, Payload: []byte("CC"), ChunkInfo: &logbus.ChunkInfo{Total: 3, Index: 2, TransactionValid: "tx-1"}}
	msgs <- logbus.Message{Sequence: 2, Payload: []byte("BB"), ChunkInfo: &logbus.ChunkInfo{Total: 3, Index: 1, TransactionValid: "tx-1"}}
	close(msgs)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	ing.Run(ctx, "t1", msgs)

	assert.Equal(t, []byte("AABBCC"), got)
	assert.EqualValues(t, 3, store.get("t1"))
}

func TestIngestorAdvancesWatermarkOnDecryptionFailure(t *testing.T) {
	store := newFakeStore()
	validate := func(payload []byte) ([]routevalidate.Route, []routevalidate.InvalidRoute, error) {
		return nil, nil, routevalidate.ErrDecryptionFailed
	}
	ing := logbus.NewIngestor(store, validate, func(context.Context, routevalidate.Route) {}, nil, 0)

	msgs := make(chan logbus.Message, 1)
	msgs <- logbus.Message{Sequence: 7, Payload: []byte("bad")}
	close(msgs)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	ing.Run(ctx, "t1", msgs)

	assert.EqualValues(t, 7, store.get("t1"))
}

func TestIngestorCallsRejectHandler(t *testing.T) {
	store := newFakeStore()
	validate := func(payload []byte) ([]routevalidate.Route, []routevalidate.InvalidRoute, error) {
		return nil, []routevalidate.InvalidRoute{{Addr: "addr1", Err: routevalidate.ErrOwnershipMismatch}}, nil
	}
	var rejected []routevalidate.InvalidRoute
	onReject := func(_ context.Context, ir routevalidate.InvalidRoute) { rejected = append(rejected, ir) }

	ing := logbus.NewIngestor(store, validate, func(context.Context, routevalidate.Route) {}, onReject, 0)
	msgs := make(chan logbus.Message, 1)
	msgs <- logbus.Message{Sequence: 1, Payload: []byte("x")}
	close(msgs)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	ing.Run(ctx, "t1", msgs)

	require.Len(t, rejected, 1)
	assert.ErrorIs(t, rejected[0].Err, routevalidate.ErrOwnershipMismatch)
}
