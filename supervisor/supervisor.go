// Package supervisor wires the proxy's components together and owns their
// startup and graceful-shutdown sequencing.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ethproofgate/relayproxy/challenge"
	"github.com/ethproofgate/relayproxy/config"
	"github.com/ethproofgate/relayproxy/controlapi"
	"github.com/ethproofgate/relayproxy/cryptocore"
	"github.com/ethproofgate/relayproxy/logbus"
	"github.com/ethproofgate/relayproxy/routevalidate"
	"github.com/ethproofgate/relayproxy/rpcproxy"
	"github.com/ethproofgate/relayproxy/store"
)

// Run opens the store, ensures an RSA key pair exists, wires the log
// ingestor, the challenge engine, the RPC dispatcher, and the control API,
// and blocks until ctx is canceled. On cancellation it gives the HTTP
// server up to cfg.DrainTimeout to shut down, then waits, with no time
// bound, for the challenge workers to return. In-flight challenge rounds
// are not drained to completion: they see the canceled context and end
// as expired.
func Run(ctx context.Context, cfg *config.Config) error {
	st, err := store.Open(cfg.DBFile)
	if err != nil {
		return fmt.Errorf("supervisor: open store: %w", err)
	}

	keys, err := ensureRSAKeys(st)
	if err != nil {
		return fmt.Errorf("supervisor: ensure RSA keys: %w", err)
	}
	rsaPriv := keys.Private

	engine := challenge.NewEngine(st, rsaPriv, challenge.Config{
		Fanout:           cfg.ChallengeFanout,
		ChallengeTimeout: cfg.ChallengeTimeout,
	})

	validate := func(payload []byte) ([]routevalidate.Route, []routevalidate.InvalidRoute, error) {
		return routevalidate.Validate(rsaPriv, payload)
	}
	onRoute := func(ctx context.Context, route routevalidate.Route) {
		engine.Submit(ctx, route)
	}
	onReject := func(ctx context.Context, invalid routevalidate.InvalidRoute) {
		slog.Warn("supervisor: route announcement rejected", "addr", invalid.Addr, "err", invalid.Err)
		if invalid.URL != "" {
			// Best-effort delivery, same as a post-challenge confirmation:
			// run off the ingest loop so a slow/unreachable prover never
			// stalls reassembly of later messages.
			go engine.NotifyRejected(context.Background(), invalid.Addr, invalid.URL)
		}
	}
	ingestor := logbus.NewIngestor(st, validate, onRoute, onReject, cfg.ChunkTTL)

	client := logbus.NewHTTPPollClient(cfg.LogBusURL, 2*time.Second)
	msgs, err := client.Subscribe(ctx, cfg.TopicID, st.Watermark(cfg.TopicID)+1)
	if err != nil {
		return fmt.Errorf("supervisor: subscribe to topic %s: %w", cfg.TopicID, err)
	}

	dispatcher, err := rpcproxy.NewDispatcher(st, cfg.DefaultBackend, 0)
	if err != nil {
		return fmt.Errorf("supervisor: build dispatcher: %w", err)
	}

	pubPEM, err := keys.PublicPEM()
	if err != nil {
		return fmt.Errorf("supervisor: marshal public key: %w", err)
	}
	api := controlapi.NewServer(st, cfg.TopicID, pubPEM, cfg.Network, cfg.AdminJWTSecret)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: rootHandler(api.Handler(), dispatcher),
	}

	g, gctx := errgroup.WithContext(ctx)

	engine.Start(gctx, cfg.ChallengeFanout)

	g.Go(func() error {
		ingestor.Run(gctx, cfg.TopicID, msgs)
		return nil
	})

	g.Go(func() error {
		slog.Info("supervisor: listening", "addr", httpServer.Addr)
		err := httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
		defer cancel()
		if err := httpServer.Shutdown(drainCtx); err != nil {
			slog.Warn("supervisor: http shutdown did not complete cleanly", "err", err)
		}
		return nil
	})

	err = g.Wait()
	engine.Wait()
	return err
}

// rootHandler routes /routes and /status to the control API and
// everything else to the RPC dispatcher.
func rootHandler(api http.Handler, dispatcher http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/routes", api)
	mux.Handle("/status", api)
	mux.Handle("/", dispatcher)
	return mux
}

// ensureRSAKeys loads the persisted RSA key pair or generates and persists
// a new one on first run.
func ensureRSAKeys(st *store.Store) (*cryptocore.RSAKeyPair, error) {
	if existing := st.RSAKeys(); existing != nil {
		return cryptocore.LoadOrGenerateRSAKeyPair(existing.PrivateKey, existing.PublicKey, existing.CreatedAt)
	}

	keys, err := cryptocore.GenerateRSAKeyPair()
	if err != nil {
		return nil, err
	}
	privPEM, err := keys.PrivatePEM()
	if err != nil {
		return nil, err
	}
	pubPEM, err := keys.PublicPEM()
	if err != nil {
		return nil, err
	}
	if err := st.SetRSAKeys(store.RSAKeyMaterial{
		PublicKey:  pubPEM,
		PrivateKey: privPEM,
		CreatedAt:  keys.CreatedAt,
	}); err != nil {
		return nil, err
	}
	return keys, nil
}
