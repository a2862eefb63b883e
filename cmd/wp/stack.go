package main

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/calloway/waypoint/internal/config"
	"github.com/calloway/waypoint/internal/connectivity"
	"github.com/calloway/waypoint/internal/db"
	"github.com/calloway/waypoint/internal/gateway"
	"github.com/calloway/waypoint/internal/queue"
	"github.com/calloway/waypoint/internal/reconciler"
	"github.com/calloway/waypoint/internal/session"
	"github.com/calloway/waypoint/internal/store"
	"gorm.io/gorm"
)

const defaultConfigPath = "waypoint.yaml"

// stack wires the full engine from a config file. Every command that
// touches trip data goes through here so they all see the same view.
type stack struct {
	cfg     *config.Config
	db      *gorm.DB
	store   *store.Store
	queue   *queue.Queue
	gateway gateway.Gateway
	monitor *connectivity.Monitor
	session *session.Session
}

// openStack loads config, opens and migrates the local mirror, and
// builds the gateway, monitor, and session. When probe is true the
// monitor is primed with one synchronous reachability check so
// one-shot commands route online/offline correctly.
func openStack(ctx context.Context, configPath string, probe bool) (*stack, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	gdb, err := db.Open(cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		return nil, err
	}

	gw, err := gateway.NewClient(gateway.ClientOpts{
		BaseURL: cfg.Server.BaseURL,
		Tokens:  &gateway.FileTokenSource{Path: cfg.Server.TokenFile},
		Timeout: cfg.Timeout(),
	})
	if err != nil {
		return nil, err
	}

	prober := &connectivity.HTTPProber{URL: cfg.Sync.ProbeURL}
	mon := connectivity.NewMonitor(connectivity.MonitorOpts{
		Prober:           prober,
		FallbackSchedule: cfg.Sync.ProbeSchedule,
	})
	if probe {
		mon.Report(prober.Probe(ctx))
	}

	sess, err := session.New(session.Opts{
		Store:   store.New(gdb),
		Queue:   queue.New(gdb, nil),
		Gateway: gw,
		Monitor: mon,
	})
	if err != nil {
		return nil, err
	}

	return &stack{
		cfg:     cfg,
		db:      gdb,
		store:   store.New(gdb),
		queue:   queue.New(gdb, nil),
		gateway: gw,
		monitor: mon,
		session: sess,
	}, nil
}

// newReconciler builds a reconciler over the stack whose sync events
// are echoed to out and re-broadcast on the session's change bus.
func (s *stack) newReconciler(out io.Writer, logger *log.Logger) (*reconciler.Reconciler, error) {
	return reconciler.New(reconciler.Opts{
		Store:       s.store,
		Queue:       s.queue,
		Gateway:     s.gateway,
		Monitor:     s.monitor,
		MaxAttempts: s.cfg.Sync.MaxAttempts,
		BaseBackoff: s.cfg.BaseBackoff(),
		MaxBackoff:  s.cfg.MaxBackoff(),
		Logger:      logger,
		Observer: func(e reconciler.Event) {
			switch e.Kind {
			case reconciler.EventEntrySynced:
				if out != nil {
					fmt.Fprintf(out, "synced %s %s (seq %d)\n", e.EntityType, e.EntityID, e.Sequence)
				}
				if e.PriorID != "" {
					s.session.Rekey(e.PriorID, e.EntityID)
				}
				s.session.Notify(session.Change{
					Operation:  session.OpRefresh,
					EntityType: e.EntityType,
					EntityID:   e.EntityID,
				})
			case reconciler.EventEntryDead:
				if out != nil {
					fmt.Fprintf(out, "needs attention: %s %s — %s\n", e.EntityType, e.EntityID, e.Reason)
				}
				s.session.Notify(session.Change{
					Operation:  session.OpRefresh,
					EntityType: e.EntityType,
					EntityID:   e.EntityID,
				})
			}
		},
	})
}
