package challenge

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ethproofgate/relayproxy/cryptocore"
	"github.com/ethproofgate/relayproxy/routevalidate"
)

// DefaultChallengeTimeout is T_chal, the default deadline for a prover to
// answer a challenge (spec.md §4.7).
const DefaultChallengeTimeout = 30 * time.Second

// DefaultRecordRetention bounds how long a terminal record is kept around
// for /status-style introspection before being garbage collected.
const DefaultRecordRetention = 10 * time.Minute

// RouteStore is the subset of store.Store the engine needs to install a
// verified route.
type RouteStore interface {
	UpdateRoutes(map[string]string) error
}

// Engine drives the challenge/response handshake for every accepted
// candidate route and installs it into RouteStore on success.
type Engine struct {
	store       RouteStore
	rsaPriv     *rsa.PrivateKey
	httpClient  *http.Client
	chalTimeout time.Duration
	retention   time.Duration

	jobs chan routevalidate.Route
	sf   singleflight.Group

	mu          sync.Mutex
	latest      map[string]routevalidate.Route
	records     map[string]*Record
	sessionKeys map[string][]byte

	wg sync.WaitGroup
}

// Config configures an Engine.
type Config struct {
	Fanout            int
	ChallengeTimeout  time.Duration
	RecordRetention   time.Duration
	HTTPClientTimeout time.Duration
}

// NewEngine builds an Engine. store installs verified routes; rsaPriv
// signs outgoing challenge blobs.
func NewEngine(store RouteStore, rsaPriv *rsa.PrivateKey, cfg Config) *Engine {
	if cfg.Fanout <= 0 {
		cfg.Fanout = 8
	}
	if cfg.ChallengeTimeout <= 0 {
		cfg.ChallengeTimeout = DefaultChallengeTimeout
	}
	if cfg.RecordRetention <= 0 {
		cfg.RecordRetention = DefaultRecordRetention
	}
	if cfg.HTTPClientTimeout <= 0 {
		cfg.HTTPClientTimeout = cfg.ChallengeTimeout
	}
	return &Engine{
		store:       store,
		rsaPriv:     rsaPriv,
		httpClient:  &http.Client{Timeout: cfg.HTTPClientTimeout},
		chalTimeout: cfg.ChallengeTimeout,
		retention:   cfg.RecordRetention,
		jobs:        make(chan routevalidate.Route, cfg.Fanout*4),
		latest:      make(map[string]routevalidate.Route),
		records:     make(map[string]*Record),
		sessionKeys: make(map[string][]byte),
	}
}

// Start launches the bounded worker pool and the record GC loop and
// returns immediately; the workers stop once ctx is canceled, and Wait
// blocks until they have drained.
func (e *Engine) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 8
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	go e.cleanupLoop(ctx)
}

// Wait blocks until every worker goroutine has returned (after ctx is
// canceled), for use during graceful drain.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Submit enqueues route for challenge issuance. If the queue is full the
// call blocks until a slot frees or ctx is done, implementing the backpressure described
// in spec.md §5.
func (e *Engine) Submit(ctx context.Context, route routevalidate.Route) {
	select {
	case e.jobs <- route:
	case <-ctx.Done():
	}
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case route := <-e.jobs:
			e.runChallenge(ctx, route)
		}
	}
}

// runChallenge coalesces concurrent announcements for the same addr: only
// one challenge round runs per addr at a time; a newer announcement that
// arrives mid-round is kept as the latest, and once the in-flight round
// ends another round runs for it, per spec.md §4.7's "queue and coalesce
// (keep the latest)."
// Grounded on SAGE-X's handshake-server singleflight-over-cache pattern.
func (e *Engine) runChallenge(ctx context.Context, route routevalidate.Route) {
	e.mu.Lock()
	e.latest[route.Addr] = route
	e.mu.Unlock()

	_, err, _ := e.sf.Do(route.Addr, func() (interface{}, error) {
		for {
			e.mu.Lock()
			current := e.latest[route.Addr]
			e.mu.Unlock()
			roundErr := e.issueAndVerify(ctx, current)

			e.mu.Lock()
			next := e.latest[route.Addr]
			e.mu.Unlock()
			if next == current || ctx.Err() != nil {
				return nil, roundErr
			}
		}
	})
	if err != nil {
		slog.Warn("challenge: round did not verify", "addr", route.Addr, "err", err)
	}
}

// issueAndVerify runs one full Issue -> POST /challenge -> Receive ->
// verify -> install -> POST /confirmation round for route.
func (e *Engine) issueAndVerify(ctx context.Context, route routevalidate.Route) error {
	ctx, cancel := context.WithTimeout(ctx, e.chalTimeout)
	defer cancel()

	challengeID := randomChallengeID()
	b := blob{
		ChallengeID:     challengeID,
		Ts:              time.Now().Unix(),
		URL:             route.URL,
		ContractAddress: route.Addr,
		Action:          actionURLVerification,
	}

	rec := &Record{
		ChallengeID:    challengeID,
		Addr:           route.Addr,
		URL:            route.URL,
		ExpectedSigner: route.SignerAddr,
		IssuedAt:       time.Now(),
		State:          StatePending,
	}
	e.putRecord(rec)

	err := e.runRound(ctx, route, b)
	if err != nil {
		if ctx.Err() != nil {
			e.transition(route.Addr, StateExpired)
			e.sendConfirmation(context.Background(), route.Addr, route.URL, "expired", false)
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		e.transition(route.Addr, StateFailed)
		e.sendConfirmation(context.Background(), route.Addr, route.URL, "failed", false)
		return err
	}

	e.transition(route.Addr, StateVerified)
	if err := e.store.UpdateRoutes(map[string]string{route.Addr: route.URL}); err != nil {
		slog.Error("challenge: install failed", "addr", route.Addr, "err", err)
		return err
	}
	e.rotateSessionKey(route.Addr)
	e.sendConfirmation(context.Background(), route.Addr, route.URL, "verified", true)
	return nil
}

type challengeResponse struct {
	ChallengeID string `json:"challengeId"`
	Signature   string `json:"signature"`
	Status      string `json:"status"`
}

// runRound performs the HTTP exchange and signature check only; state
// transitions and installation happen in the caller.
func (e *Engine) runRound(ctx context.Context, route routevalidate.Route, b blob) error {
	canonical, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("challenge: marshal blob: %w", err)
	}
	sig, err := cryptocore.RSASign(canonical, e.rsaPriv)
	if err != nil {
		return fmt.Errorf("challenge: sign blob: %w", err)
	}

	reqBody, err := json.Marshal(struct {
		Challenge blob   `json:"challenge"`
		Signature string `json:"signature"`
	}{Challenge: b, Signature: base64.StdEncoding.EncodeToString(sig)})
	if err != nil {
		return fmt.Errorf("challenge: marshal request: %w", err)
	}

	sessionKey := e.sessionKey(route.Addr)
	wire := reqBody
	if sessionKey != nil {
		wire, err = cryptocore.SessionEncrypt(sessionKey, reqBody)
		if err != nil {
			return fmt.Errorf("challenge: session encrypt: %w", err)
		}
	}

	respBody, err := e.post(ctx, strings.TrimSuffix(route.URL, "/")+"/challenge", wire)
	if err != nil {
		return err
	}

	if sessionKey != nil {
		if plain, decErr := cryptocore.SessionDecrypt(sessionKey, respBody); decErr == nil {
			respBody = plain
		}
	}

	var resp challengeResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrResponseInvalid, err)
	}
	if resp.ChallengeID != b.ChallengeID {
		return fmt.Errorf("%w: challenge id mismatch", ErrResponseInvalid)
	}

	sigBytes, err := base64.StdEncoding.DecodeString(resp.Signature)
	if err != nil {
		return fmt.Errorf("%w: decode signature: %v", ErrResponseInvalid, err)
	}

	expected := common.HexToAddress(route.SignerAddr)
	if !cryptocore.VerifyPersonal(canonical, sigBytes, expected) {
		return fmt.Errorf("%w: signature does not recover to expected signer", ErrResponseInvalid)
	}
	return nil
}

func (e *Engine) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("challenge: prover returned %d: %s", resp.StatusCode, data)
	}
	return data, nil
}

func randomChallengeID() string {
	return uuid.NewString()
}

func (e *Engine) putRecord(rec *Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records[rec.Addr] = rec
}

func (e *Engine) transition(addr string, s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.records[addr]; ok {
		rec.State = s
	}
}

func (e *Engine) rotateSessionKey(addr string) {
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	e.mu.Lock()
	e.sessionKeys[addr] = key
	if rec, ok := e.records[addr]; ok {
		rec.SessionKey = key
	}
	e.mu.Unlock()
}

func (e *Engine) sessionKey(addr string) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionKeys[addr]
}

// Record returns a copy of the current challenge record for addr, if any.
func (e *Engine) Record(addr string) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[addr]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// cleanupLoop evicts terminal records older than retention, mirroring the
// ticker-driven GC shape used throughout the corpus for bounded in-memory
// state.
func (e *Engine) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(e.retention / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.cleanupExpired(time.Now())
		}
	}
}

func (e *Engine) cleanupExpired(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for addr, rec := range e.records {
		if rec.State == StatePending {
			continue
		}
		if now.Sub(rec.IssuedAt) > e.retention {
			delete(e.records, addr)
		}
	}
}
