package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/quillstore/quill/internal/config"
	"github.com/quillstore/quill/internal/handler"
)

// NodeServer hosts the node's HTTP API: the document operations, the
// replication endpoints standbys pull from, and the role transition
// endpoints the promotion controller calls across nodes.
type NodeServer struct {
	cfg        *config.ServerConfig
	handler    *handler.NodeHandler
	logger     *zap.Logger
	httpServer *http.Server
}

// NewNodeServer creates the node API server.
func NewNodeServer(cfg *config.ServerConfig, h *handler.NodeHandler, logger *zap.Logger) *NodeServer {
	return &NodeServer{
		cfg:     cfg,
		handler: h,
		logger:  logger,
	}
}

func (s *NodeServer) createRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	s.handler.Routes(r)
	return r
}

// Start begins serving in the background.
func (s *NodeServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	// No global write timeout: snapshot store streaming is unbounded in
	// size and must not be cut mid-transfer.
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.createRouter(),
		ReadTimeout: s.cfg.ReadTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("node server error", zap.Error(err))
		}
	}()

	s.logger.Info("node server started", zap.String("addr", addr))
	return nil
}

// Stop drains in-flight requests and shuts the server down.
func (s *NodeServer) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown node server: %w", err)
	}
	return nil
}
