// Package reconciler drains the Sync Queue against the Remote Gateway
// after each offline-to-online transition, applying canonical results
// back into the Local Store. At most one reconciliation pass runs at a
// time; triggers that arrive mid-pass coalesce into a single re-run.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/calloway/waypoint/internal/connectivity"
	"github.com/calloway/waypoint/internal/gateway"
	"github.com/calloway/waypoint/internal/models"
	"github.com/calloway/waypoint/internal/queue"
	"github.com/calloway/waypoint/internal/store"
)

// Retry tuning defaults.
const (
	// DefaultMaxAttempts caps retry sweeps within a single pass.
	DefaultMaxAttempts = 5
	// DefaultBaseBackoff is the initial delay between retry sweeps.
	DefaultBaseBackoff = 2 * time.Second
	// DefaultMaxBackoff caps the exponential backoff between sweeps.
	DefaultMaxBackoff = 2 * time.Minute
)

// EventKind identifies a reconciliation event for observers (the change
// bus, the dashboard's SSE stream).
type EventKind string

const (
	EventPassStarted  EventKind = "pass_started"
	EventEntrySynced  EventKind = "entry_synced"
	EventEntryDead    EventKind = "entry_dead_lettered"
	EventPassFinished EventKind = "pass_finished"
)

// Event describes one observable reconciliation step.
type Event struct {
	Kind       EventKind
	EntityType models.EntityType
	EntityID   string // canonical id once known
	PriorID    string // temporary id a create was known by, if any
	Sequence   uint
	Reason     string // failure reason for dead letters
	At         time.Time
}

// Opts holds parameters for creating a Reconciler.
type Opts struct {
	Store   *store.Store
	Queue   *queue.Queue
	Gateway gateway.Gateway
	// Monitor gates network sends. Optional: a nil monitor means sends
	// are always attempted (tests, forced CLI sync).
	Monitor     *connectivity.Monitor
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Observer receives events synchronously; it must not block.
	Observer func(Event)
	Logger   *log.Logger
}

// Reconciler orchestrates queue drains. Safe for concurrent triggers.
type Reconciler struct {
	store       *store.Store
	queue       *queue.Queue
	gw          gateway.Gateway
	monitor     *connectivity.Monitor
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	observer    func(Event)
	logger      *log.Logger

	mu      sync.Mutex
	running bool
	rerun   bool
}

// New creates a Reconciler.
func New(opts Opts) (*Reconciler, error) {
	if opts.Store == nil || opts.Queue == nil || opts.Gateway == nil {
		return nil, fmt.Errorf("reconciler: store, queue, and gateway are required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultBaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[reconciler] ", log.LstdFlags)
	}
	return &Reconciler{
		store:       opts.Store,
		queue:       opts.Queue,
		gw:          opts.Gateway,
		monitor:     opts.Monitor,
		maxAttempts: opts.MaxAttempts,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
		observer:    opts.Observer,
		logger:      logger,
	}, nil
}

func (r *Reconciler) emit(e Event) {
	if r.observer == nil {
		return
	}
	e.At = time.Now()
	r.observer(e)
}

func (r *Reconciler) online() bool {
	return r.monitor == nil || r.monitor.Online()
}

// Run executes one reconciliation pass. If a pass is already running,
// the trigger is coalesced into a re-run flag and Run returns nil
// immediately: rapid connectivity flaps cause at most one extra pass,
// never two concurrent ones.
func (r *Reconciler) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.rerun = true
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.mu.Unlock()

	for {
		err := r.pass(ctx)

		r.mu.Lock()
		again := r.rerun && err == nil && ctx.Err() == nil
		r.rerun = false
		if !again {
			r.running = false
			r.mu.Unlock()
			return err
		}
		r.mu.Unlock()
	}
}

// Watch consumes connectivity transitions until ctx is cancelled,
// running one pass per offline-to-online edge. It also runs a startup
// pass when the queue already holds entries from a previous run.
func (r *Reconciler) Watch(ctx context.Context) error {
	if r.monitor == nil {
		return fmt.Errorf("reconciler: watch: monitor is required")
	}
	// Subscribe before the startup pass: a transition that fires while
	// that pass runs buffers in the channel instead of being lost.
	ch := r.monitor.Subscribe()

	if _, err := r.queue.RequeueInflight(); err != nil {
		return err
	}
	depth, err := r.queue.Depth()
	if err != nil {
		return err
	}
	if depth > 0 && r.online() {
		if err := r.Run(ctx); err != nil {
			r.logger.Printf("startup pass: %v", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tr := <-ch:
			if tr.To != connectivity.Online {
				continue
			}
			if err := r.Run(ctx); err != nil {
				r.logger.Printf("pass after reconnect: %v", err)
			}
		}
	}
}

// pass drains the queue with bounded retries, then refreshes affected
// parents from the gateway.
func (r *Reconciler) pass(ctx context.Context) error {
	r.emit(Event{Kind: EventPassStarted})
	r.logger.Printf("reconciliation pass started")

	touched := map[models.EntityType]map[string]bool{}
	var lastErr error

	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		retryable, err := r.sweep(ctx, touched)
		if err != nil {
			lastErr = err
			break
		}
		if !retryable {
			lastErr = nil
			break
		}
		lastErr = fmt.Errorf("reconciler: entries still failing after sweep %d", attempt+1)
		if !r.online() || ctx.Err() != nil {
			break
		}
		if attempt+1 < r.maxAttempts {
			if err := sleep(ctx, backoff(r.baseBackoff, r.maxBackoff, attempt)); err != nil {
				break
			}
		}
	}

	r.refresh(ctx, touched)
	r.emit(Event{Kind: EventPassFinished})
	r.logger.Printf("reconciliation pass finished")
	return lastErr
}

// sweep sends queue entries one at a time, always re-reading the oldest
// pending entry from the database so coalescing and identifier rewrites
// performed earlier in the sweep are honored. Entities that fail
// retryably — and entities whose parent is still a temporary identifier —
// are skipped for the rest of the sweep without blocking the others.
// Returns whether any entity is still waiting on a retryable failure.
func (r *Reconciler) sweep(ctx context.Context, touched map[models.EntityType]map[string]bool) (bool, error) {
	var skip []string
	retrying := false

	for {
		// An in-flight call is never cancelled, but the next entity is
		// skipped once the monitor reports offline again.
		if !r.online() || ctx.Err() != nil {
			return retrying, ctx.Err()
		}

		entry, err := r.queue.NextPending(skip)
		if err != nil {
			return retrying, err
		}
		if entry == nil {
			return retrying, nil
		}

		if parent, blocked := blockedOnParent(entry); blocked {
			// The owning entity was created offline and its create has
			// not succeeded yet; the rewrite will unblock this entry.
			r.logger.Printf("seq=%d waits on temporary parent %s", entry.Sequence, parent)
			skip = append(skip, entry.EntityID)
			continue
		}

		if err := r.queue.MarkInflight(entry.Sequence); err != nil {
			// Lost a race with a concurrent enqueue; pick it up fresh.
			skip = append(skip, entry.EntityID)
			continue
		}

		switch sendErr := r.send(ctx, entry, touched); {
		case sendErr == nil:
			if err := r.queue.MarkSucceeded(entry.Sequence); err != nil {
				return retrying, err
			}
		case errors.Is(sendErr, store.ErrMalformedPayload) || !gateway.IsRetryable(sendErr):
			// Terminal: dead-letter and keep going so later entries for
			// other entities are never blocked behind this one.
			if err := r.deadLetter(entry, sendErr.Error()); err != nil {
				return retrying, err
			}
		default:
			if err := r.queue.MarkFailed(entry.Sequence, sendErr.Error(), true); err != nil {
				return retrying, err
			}
			skip = append(skip, entry.EntityID)
			retrying = true
			r.logger.Printf("seq=%d retryable failure: %v", entry.Sequence, sendErr)
		}
	}
}

// deadLetter moves the entry to the dead-letter list and tags the local
// record so it surfaces as "needs attention". When the create of a
// temporary identifier dies, no queued child waiting on that identifier
// can ever sync either, so the failure cascades down to them instead of
// leaving them stuck pending forever.
func (r *Reconciler) deadLetter(entry *models.SyncQueueEntry, cause string) error {
	if err := r.queue.MarkFailed(entry.Sequence, cause, false); err != nil {
		return err
	}
	t := models.EntityType(entry.EntityType)
	r.store.MarkSyncStatus(t, entry.EntityID, models.SyncStatusConflict)
	r.emit(Event{
		Kind:       EventEntryDead,
		EntityType: t,
		EntityID:   entry.EntityID,
		Sequence:   entry.Sequence,
		Reason:     cause,
	})
	r.logger.Printf("seq=%d dead-lettered: %s", entry.Sequence, cause)

	if entry.Operation != models.OpCreate || !strings.HasPrefix(entry.EntityID, models.LocalIDPrefix) {
		return nil
	}
	blocked, err := r.queue.PendingBlockedOn(entry.EntityID)
	if err != nil {
		return err
	}
	for i := range blocked {
		dep := &blocked[i]
		if err := r.deadLetter(dep, fmt.Sprintf("reconciler: parent %s never synced: %s", entry.EntityID, cause)); err != nil {
			return err
		}
	}
	return nil
}

// send performs one gateway call and applies the canonical result.
func (r *Reconciler) send(ctx context.Context, entry *models.SyncQueueEntry, touched map[models.EntityType]map[string]bool) error {
	t := models.EntityType(entry.EntityType)

	switch entry.Operation {
	case models.OpCreate:
		// The temporary identifier doubles as the idempotency key, so a
		// replay after a crash between the network call and
		// MarkSucceeded cannot create a duplicate.
		canonical, err := r.gw.Create(ctx, t, entry.EntityID, []byte(entry.Payload))
		if err != nil {
			return err
		}
		applied, err := store.Decode(t, canonical)
		if err != nil {
			return err
		}
		canonicalID := applied.EntityID()
		priorID := ""
		if canonicalID != entry.EntityID {
			priorID = entry.EntityID
			if err := r.store.Rekey(t, entry.EntityID, canonicalID); err != nil {
				return err
			}
			if err := r.queue.RewriteEntityID(entry.EntityID, canonicalID); err != nil {
				return err
			}
		}
		if _, err := r.store.ApplyRemote(t, canonical); err != nil {
			return err
		}
		r.touch(touched, t, applied)
		r.emit(Event{Kind: EventEntrySynced, EntityType: t, EntityID: canonicalID, PriorID: priorID, Sequence: entry.Sequence})
		return nil

	case models.OpUpdate:
		canonical, err := r.gw.Update(ctx, t, entry.EntityID, []byte(entry.Payload))
		if err != nil {
			return err
		}
		applied, err := r.store.ApplyRemote(t, canonical)
		if err != nil {
			return err
		}
		r.touch(touched, t, applied)
		r.emit(Event{Kind: EventEntrySynced, EntityType: t, EntityID: entry.EntityID, Sequence: entry.Sequence})
		return nil

	case models.OpDelete:
		// Read the row before it goes: it is the only place the parent
		// to refresh is still recorded.
		local, _ := r.store.Get(t, entry.EntityID)
		if err := r.gw.Delete(ctx, t, entry.EntityID); err != nil {
			return err
		}
		if err := r.store.Delete(t, entry.EntityID); err != nil {
			return err
		}
		if local != nil && models.ParentType(t) != "" {
			r.touch(touched, t, local)
		}
		r.emit(Event{Kind: EventEntrySynced, EntityType: t, EntityID: entry.EntityID, Sequence: entry.Sequence})
		return nil

	default:
		return fmt.Errorf("%w: unknown operation %q", store.ErrMalformedPayload, entry.Operation)
	}
}

// touch records the parent (or the trip itself) whose cached view
// should be refreshed after the drain, to pick up concurrent edits from
// a partner account.
func (r *Reconciler) touch(touched map[models.EntityType]map[string]bool, t models.EntityType, e models.Entity) {
	refreshType, id := t, e.EntityID()
	if pt := models.ParentType(t); pt != "" {
		refreshType, id = pt, e.Parent()
	}
	if id == "" || strings.HasPrefix(id, models.LocalIDPrefix) {
		return
	}
	if touched[refreshType] == nil {
		touched[refreshType] = map[string]bool{}
	}
	touched[refreshType][id] = true
}

// refresh re-fetches affected parents from the gateway, mirrors them
// and their child listings locally, and prunes synced children the
// server no longer returns. Best-effort: a refresh failure never fails
// the pass.
func (r *Reconciler) refresh(ctx context.Context, touched map[models.EntityType]map[string]bool) {
	for t, ids := range touched {
		for id := range ids {
			if !r.online() || ctx.Err() != nil {
				return
			}
			canonical, err := r.gw.Fetch(ctx, t, id)
			if err != nil {
				r.logger.Printf("refresh %s/%s: %v", t, id, err)
				continue
			}
			if _, err := r.store.ApplyRemote(t, canonical); err != nil {
				r.logger.Printf("refresh %s/%s: %v", t, id, err)
				continue
			}
			r.refreshChildren(ctx, t, id)
		}
	}
}

// refreshChildren mirrors the server's full child listings under one
// parent. A synced row the listing no longer carries was deleted on
// another device and is removed; pending and conflict rows are local
// work in progress and survive. Pruning is skipped unless every payload
// in the listing mirrored cleanly.
func (r *Reconciler) refreshChildren(ctx context.Context, parent models.EntityType, parentID string) {
	for _, ct := range models.EntityTypes() {
		if models.ParentType(ct) != parent {
			continue
		}
		if !r.online() || ctx.Err() != nil {
			return
		}
		items, err := r.gw.ListByParent(ctx, ct, parentID)
		if err != nil {
			r.logger.Printf("refresh %s under %s: %v", ct, parentID, err)
			continue
		}
		keep := make([]string, 0, len(items))
		mirrored := true
		for _, payload := range items {
			e, err := r.store.ApplyRemote(ct, payload)
			if err != nil {
				r.logger.Printf("mirror %s under %s: %v", ct, parentID, err)
				mirrored = false
				continue
			}
			keep = append(keep, e.EntityID())
		}
		if mirrored {
			if err := r.store.PruneSynced(ct, parentID, keep); err != nil {
				r.logger.Printf("prune %s under %s: %v", ct, parentID, err)
			}
		}
	}
}

// blockedOnParent reports whether the entry's payload still references
// a temporary parent identifier owned by another entity.
func blockedOnParent(entry *models.SyncQueueEntry) (string, bool) {
	if entry.Payload == "" {
		return "", false
	}
	var obj struct {
		ParentID string `json:"parentId"`
	}
	if err := json.Unmarshal([]byte(entry.Payload), &obj); err != nil {
		return "", false
	}
	if obj.ParentID != entry.EntityID && strings.HasPrefix(obj.ParentID, models.LocalIDPrefix) {
		return obj.ParentID, true
	}
	return "", false
}

// backoff returns the capped exponential delay for the given attempt.
func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
