// Package dashboard serves a local JSON API and SSE stream over the
// sync engine's state: connectivity, queue depth, dead letters, and
// the trip data itself. It is read-mostly; the only write it accepts
// is resolving a dead letter.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/calloway/waypoint/internal/connectivity"
	"github.com/calloway/waypoint/internal/queue"
	"github.com/calloway/waypoint/internal/session"
	"github.com/calloway/waypoint/internal/store"
	"github.com/gin-gonic/gin"
)

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Store   *store.Store
	Queue   *queue.Queue
	Session *session.Session
	Monitor *connectivity.Monitor
	Port    int
	Out     io.Writer
}

// Start launches the dashboard HTTP server. It blocks until ctx is
// cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Store == nil || opts.Queue == nil || opts.Session == nil || opts.Monitor == nil {
		return fmt.Errorf("dashboard: store, queue, session, and monitor are required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	router := NewRouter(opts)

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// NewRouter builds the gin engine with all routes registered. Split
// out of Start so tests can drive it with httptest.
func NewRouter(opts StartOpts) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router
}
