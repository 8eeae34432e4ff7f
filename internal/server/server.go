// Package server exposes the operations HTTP API.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mwhitten/ingestd/internal/operation"
	"github.com/mwhitten/ingestd/internal/orchestrator"
)

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Orch *orchestrator.Orchestrator
	Ops  *operation.Store
	Port int
	Out  io.Writer
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully. Background pipelines keep running after a request
// returns; only the listener is tied to ctx.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Orch == nil {
		return fmt.Errorf("server: orchestrator is required")
	}
	if opts.Ops == nil {
		return fmt.Errorf("server: operation store is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts.Orch, opts.Ops)

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
