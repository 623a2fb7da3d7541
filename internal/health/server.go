// Package health adapts the teacher's pkg/health/server.go into the DCA
// engine's operational surface (spec.md §6): liveness, readiness keyed off
// the Chain Client rather than a per-chain map (this engine only ever talks
// to Arbitrum), scheduler status, and an API-key-gated Prometheus /metrics
// endpoint.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arbidca/dca-engine/internal/logger"
	"github.com/arbidca/dca-engine/internal/scheduler"
)

// ChainStatusSource reports whether the RPC connection is reachable and the
// latest block observed, used by both /ready and /status. A ChainAdapter
// wraps *chainclient.Client to satisfy this.
type ChainStatusSource interface {
	LatestBlock(ctx context.Context) (uint64, error)
}

// SchedulerStatusSource is implemented by *scheduler.Scheduler.
type SchedulerStatusSource interface {
	Status() scheduler.Status
}

// HeaderSource is the Chain Client surface ChainAdapter needs.
type HeaderSource interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// ChainAdapter adapts a Chain Client's HeaderByNumber into the LatestBlock
// probe /ready and /status use, without this package importing chainclient
// directly (it only needs the one RPC primitive).
type ChainAdapter struct {
	Chain HeaderSource
}

func (a ChainAdapter) LatestBlock(ctx context.Context) (uint64, error) {
	header, err := a.Chain.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, err
	}
	return header.Number.Uint64(), nil
}

// Server is the health/readiness/status/metrics HTTP server.
type Server struct {
	port          string
	chain         ChainStatusSource
	scheduler     SchedulerStatusSource
	metricsAPIKey string
	log           logger.Logger
}

// NewServer builds a health Server. metricsAPIKey may be empty, in which
// case /metrics is unauthenticated (matching the teacher's behavior when
// METRICS_API_KEY is unset).
func NewServer(port string, chain ChainStatusSource, sched SchedulerStatusSource, metricsAPIKey string, log logger.Logger) *Server {
	return &Server{port: port, chain: chain, scheduler: sched, metricsAPIKey: metricsAPIKey, log: log}
}

func (s *Server) metricsAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metricsAPIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] != s.metricsAPIKey {
			http.Error(w, "invalid or missing API key", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.chain.LatestBlock(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(fmt.Sprintf("chain client not ready: %v", err)))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]interface{}{
			"scheduler": s.scheduler.Status(),
		}

		block, err := s.chain.LatestBlock(r.Context())
		if err != nil {
			status["chain"] = map[string]interface{}{"connected": false, "error": err.Error()}
		} else {
			status["chain"] = map[string]interface{}{"connected": true, "latestBlock": block}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			s.log.ErrorWithComponent(logger.None, "encoding status JSON: %v", err)
		}
	})

	mux.Handle("/metrics", s.metricsAuthMiddleware(promhttp.Handler()))

	return mux
}

// Start runs the server until ctx is cancelled, then shuts it down
// gracefully. It blocks until the server has stopped.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    ":" + s.port,
		Handler: s.mux(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.InfoWithComponent(logger.None, "health/metrics server listening on :%s", s.port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
