// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package webhook runs the http server the block-event stream posts into.
// Every event updates the sync cursor and the ledger-view store; once the
// stream passes the chain tip observed at startup, each new block also
// triggers a settlement pass. A single mutex serializes event application and
// settlement, which is the process's one-writer concurrency model.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"newm.io/batcherd/chain"
	"newm.io/batcherd/db"
	"newm.io/batcherd/ingest"
	"newm.io/batcherd/node"
)

// handlerTimeoutSeconds bounds a single webhook delivery, settlement pass
// included.
const handlerTimeoutSeconds = 120

// SrvConfig holds what a new Server needs.
type SrvConfig struct {
	Addr     string
	Store    *db.Store
	Ingester *ingest.Ingester
	// Settle runs one settlement pass. Nil disables settlement, leaving a
	// sync-only server.
	Settle func(ctx context.Context) error
	// StartBlock is the chain tip at startup. Settlement is held back until
	// the stream replays past it.
	StartBlock int64
	Log        chain.Logger
}

// Server is the webhook http server.
type Server struct {
	srv        *http.Server
	store      *db.Store
	ingester   *ingest.Ingester
	settle     func(ctx context.Context) error
	startBlock int64
	log        chain.Logger
	addr       string
	fatal      chan error

	mtx sync.Mutex
}

// NewServer creates a Server.
func NewServer(cfg *SrvConfig) *Server {
	s := &Server{
		store:      cfg.Store,
		ingester:   cfg.Ingester,
		settle:     cfg.Settle,
		startBlock: cfg.StartBlock,
		log:        cfg.Log,
		addr:       cfg.Addr,
		fatal:      make(chan error, 1),
	}

	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Post("/webhook", s.handleWebhook)
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  handlerTimeoutSeconds * time.Second,
		WriteTimeout: handlerTimeoutSeconds * time.Second,
	}
	return s
}

// Run starts the server and blocks until the context is canceled or
// settlement loses its node. The node is a hard dependency, so an unreachable
// node shuts the server down and is returned.
func (s *Server) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
		case err := <-s.fatal:
			s.log.Criticalf("settlement hit a fatal error: %v", err)
			// Preserve the error for the return below.
			s.fatal <- err
		}
		if err := s.srv.Shutdown(context.Background()); err != nil {
			s.log.Errorf("webhook server shutdown: %v", err)
		}
	}()

	s.log.Infof("webhook server listening on %s", s.addr)
	if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		s.log.Warnf("unexpected webhook server error: %v", err)
	}
	wg.Wait()
	s.log.Infof("webhook server off")

	select {
	case err := <-s.fatal:
		return err
	default:
		return nil
	}
}

// handleWebhook applies one delivered event. The cursor update and possible
// settlement pass come first so the current event cannot be double-counted by
// the pass it triggers.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var ev ingest.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.log.Warnf("undecodable webhook delivery: %v", err)
		http.Error(w, "bad event", http.StatusBadRequest)
		return
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.advanceCursor(r.Context(), &ev); err != nil {
		s.log.Errorf("cursor advance: %v", err)
		http.Error(w, "cursor advance failed", http.StatusInternalServerError)
		return
	}

	if err := s.ingester.Apply(&ev); err != nil {
		s.log.Errorf("event application: %v", err)
		http.Error(w, "event application failed", http.StatusInternalServerError)
		return
	}

	w.Write([]byte("Webhook Successful"))
}

// advanceCursor updates the sync cursor when the event opens a new block, and
// runs a settlement pass when the stream is past the startup tip.
func (s *Server) advanceCursor(ctx context.Context, ev *ingest.Event) error {
	ectx := ev.Context
	if ectx.BlockNumber == nil || ectx.BlockHash == nil || ectx.Slot == nil {
		return nil
	}
	status, err := s.store.Status()
	if err != nil {
		return err
	}
	if status != nil && status.BlockNumber == *ectx.BlockNumber {
		return nil
	}
	err = s.store.PutStatus(&db.StatusRow{
		BlockNumber: *ectx.BlockNumber,
		BlockHash:   *ectx.BlockHash,
		Timestamp:   *ectx.Slot,
	})
	if err != nil {
		return err
	}

	if *ectx.BlockNumber <= s.startBlock {
		s.log.Debugf("syncing, %d blocks until the tip", s.startBlock-*ectx.BlockNumber)
		return nil
	}
	if s.settle == nil {
		return nil
	}
	s.log.Debugf("block %d opens a settlement pass", *ectx.BlockNumber)
	if err := s.settle(ctx); err != nil {
		if errors.Is(err, node.ErrNodeUnreachable) {
			select {
			case s.fatal <- err:
			default:
			}
			return nil
		}
		s.log.Errorf("settlement pass: %v", err)
	}
	return nil
}
