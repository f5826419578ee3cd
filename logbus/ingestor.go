package logbus

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethproofgate/relayproxy/routevalidate"
)

// ChunkTTL is the default time a partially received chunk group is kept
// before being discarded, per spec.md §4.5.
const ChunkTTL = 60 * time.Second

// WatermarkStore is the subset of store.Store the Ingestor needs.
type WatermarkStore interface {
	AdvanceWatermark(topic string, seq uint64) error
}

// ValidateFunc decrypts and checks ownership of a reassembled announcement
// payload. It is routevalidate.Validate bound to the proxy's RSA private
// key.
type ValidateFunc func(payload []byte) (valid []routevalidate.Route, invalid []routevalidate.InvalidRoute, err error)

// RouteHandler receives each independently accepted route, normally wired
// to the challenge engine's submission entry point.
type RouteHandler func(ctx context.Context, route routevalidate.Route)

// RejectHandler is notified of each per-route rejection so a failure
// notification can be dispatched to the prover.
type RejectHandler func(ctx context.Context, invalid routevalidate.InvalidRoute)

type chunkGroup struct {
	total    int
	chunks   map[int][]byte
	firstSeq uint64
	lastSeq  uint64
	deadline time.Time
}

// Ingestor owns ChunkGroups, drives reassembly, and advances the store's
// watermark on every deterministic outcome (success or rejection), per
// spec.md §4.5 and P4.
type Ingestor struct {
	store    WatermarkStore
	validate ValidateFunc
	onRoute  RouteHandler
	onReject RejectHandler
	chunkTTL time.Duration

	mu     sync.Mutex
	groups map[string]*chunkGroup
}

// NewIngestor builds an Ingestor. chunkTTL of 0 uses ChunkTTL.
func NewIngestor(store WatermarkStore, validate ValidateFunc, onRoute RouteHandler, onReject RejectHandler, chunkTTL time.Duration) *Ingestor {
	if chunkTTL <= 0 {
		chunkTTL = ChunkTTL
	}
	return &Ingestor{
		store:    store,
		validate: validate,
		onRoute:  onRoute,
		onReject: onReject,
		chunkTTL: chunkTTL,
		groups:   make(map[string]*chunkGroup),
	}
}

// Run consumes msgs (already delivered in strictly increasing sequence
// order per topic by the Client) until ctx is canceled or the channel
// closes.
func (in *Ingestor) Run(ctx context.Context, topic string, msgs <-chan Message) {
	gcTicker := time.NewTicker(in.chunkTTL / 2)
	defer gcTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gcTicker.C:
			in.evictExpired(ctx, topic)
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			in.handle(ctx, topic, msg)
		}
	}
}

func (in *Ingestor) handle(ctx context.Context, topic string, msg Message) {
	if msg.ChunkInfo == nil || msg.ChunkInfo.Total <= 1 {
		in.process(ctx, topic, msg.Sequence, msg.Payload)
		return
	}

	payload, seq, ready := in.assemble(topic, msg)
	if !ready {
		return
	}
	in.process(ctx, topic, seq, payload)
}

// assemble buffers msg's chunk under (topic, transactionValidStart) and
// returns the concatenated payload once every chunk has arrived.
func (in *Ingestor) assemble(topic string, msg Message) ([]byte, uint64, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	key := topic + "|" + msg.ChunkInfo.TransactionValid
	g, ok := in.groups[key]
	if !ok {
		g = &chunkGroup{
			total:    msg.ChunkInfo.Total,
			chunks:   make(map[int][]byte),
			firstSeq: msg.Sequence,
			deadline: time.Now().Add(in.chunkTTL),
		}
		in.groups[key] = g
	}
	g.chunks[msg.ChunkInfo.Index] = msg.Payload
	if msg.Sequence > g.lastSeq {
		g.lastSeq = msg.Sequence
	}

	if len(g.chunks) < g.total {
		return nil, 0, false
	}

	delete(in.groups, key)
	ordered := make([]byte, 0)
	for i := 0; i < g.total; i++ {
		ordered = append(ordered, g.chunks[i]...)
	}
	return ordered, g.lastSeq, true
}

// process hands the reassembled payload to RouteValidator and advances the
// watermark on any deterministic outcome. Transient errors are retried by
// the Client's own poll loop and never reach here with the advance call
// made.
func (in *Ingestor) process(ctx context.Context, topic string, seq uint64, payload []byte) {
	valid, invalid, err := in.validate(payload)
	if err != nil {
		slog.Warn("logbus: dropping undecryptable message", "topic", topic, "seq", seq, "err", err)
		in.advance(topic, seq)
		return
	}

	for _, route := range valid {
		in.onRoute(ctx, route)
	}
	for _, rej := range invalid {
		if in.onReject != nil {
			in.onReject(ctx, rej)
		}
	}
	in.advance(topic, seq)
}

func (in *Ingestor) advance(topic string, seq uint64) {
	if err := in.store.AdvanceWatermark(topic, seq); err != nil {
		slog.Error("logbus: watermark advance failed", "topic", topic, "seq", seq, "err", err)
	}
}

// evictExpired drops chunk groups older than chunkTTL and advances the
// watermark to the highest sequence seen in any of the expired groups.
// Sequences of groups still being reassembled are not taken into account,
// so the watermark can move past chunks of a group that is still pending.
func (in *Ingestor) evictExpired(ctx context.Context, topic string) {
	in.mu.Lock()
	now := time.Now()
	var expiredSeqs []uint64
	for key, g := range in.groups {
		if now.After(g.deadline) {
			expiredSeqs = append(expiredSeqs, g.lastSeq)
			delete(in.groups, key)
		}
	}
	in.mu.Unlock()

	if len(expiredSeqs) == 0 {
		return
	}
	sort.Slice(expiredSeqs, func(i, j int) bool { return expiredSeqs[i] < expiredSeqs[j] })
	slog.Warn("logbus: chunk group expired", "topic", topic, "count", len(expiredSeqs))
	in.advance(topic, expiredSeqs[len(expiredSeqs)-1])
}
