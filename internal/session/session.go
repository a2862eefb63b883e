// Package session is the façade the rest of the application talks to:
// it resolves the active trip, serves reads from the Local Store, and
// owns the single write path that routes mutations either straight to
// the Remote Gateway or through the Sync Queue.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/calloway/waypoint/internal/connectivity"
	"github.com/calloway/waypoint/internal/gateway"
	"github.com/calloway/waypoint/internal/models"
	"github.com/calloway/waypoint/internal/queue"
	"github.com/calloway/waypoint/internal/store"
	"github.com/google/uuid"
)

// subscriberBuffer bounds each change listener's channel. A listener
// that stops draining loses notifications rather than stalling writes.
const subscriberBuffer = 32

// Change notifies UI components that an entity changed, so lists and
// the map re-render without polling.
type Change struct {
	Operation  string // create, update, delete, or "refresh" after a sync
	EntityType models.EntityType
	EntityID   string
}

// OpRefresh marks changes that arrived from the server rather than
// from a local mutation.
const OpRefresh = "refresh"

// Opts holds parameters for creating a Session.
type Opts struct {
	Store   *store.Store
	Queue   *queue.Queue
	Gateway gateway.Gateway
	Monitor *connectivity.Monitor
	Logger  *log.Logger
}

// Session owns the active-trip selection and the write path. All reads
// go through the Local Store; when online, reads shadow the server's
// canonical view into the store first.
type Session struct {
	store   *store.Store
	queue   *queue.Queue
	gw      gateway.Gateway
	monitor *connectivity.Monitor
	logger  *log.Logger

	mu          sync.Mutex
	activeTrip  string
	subscribers []chan Change
}

// New creates a Session.
func New(opts Opts) (*Session, error) {
	if opts.Store == nil || opts.Queue == nil || opts.Gateway == nil || opts.Monitor == nil {
		return nil, fmt.Errorf("session: store, queue, gateway, and monitor are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}
	return &Session{
		store:   opts.Store,
		queue:   opts.Queue,
		gw:      opts.Gateway,
		monitor: opts.Monitor,
		logger:  logger,
	}, nil
}

// Subscribe returns a channel of change notifications. Notifications
// are dropped, never blocked on, when the subscriber falls behind.
func (s *Session) Subscribe() <-chan Change {
	ch := make(chan Change, subscriberBuffer)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

// Notify broadcasts a change to all subscribers. The reconciler's
// observer is wired here so queue drains reach the UI the same way
// direct writes do.
func (s *Session) Notify(c Change) {
	s.mu.Lock()
	subs := s.subscribers
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- c:
		default:
		}
	}
}

// ActiveTrip returns the currently selected trip, or nil when none is
// selected.
func (s *Session) ActiveTrip() (*models.Trip, error) {
	s.mu.Lock()
	id := s.activeTrip
	s.mu.Unlock()
	if id == "" {
		return nil, nil
	}
	e, err := s.store.Get(models.TypeTrip, id)
	if err != nil || e == nil {
		return nil, err
	}
	return e.(*models.Trip), nil
}

// SelectTrip makes the trip with the given id the active one. When the
// trip is not cached locally and the device is online, it is fetched
// and mirrored first.
func (s *Session) SelectTrip(ctx context.Context, id string) (*models.Trip, error) {
	e, err := s.store.Get(models.TypeTrip, id)
	if err != nil {
		return nil, err
	}
	if e == nil && s.monitor.Online() && !strings.HasPrefix(id, models.LocalIDPrefix) {
		canonical, err := s.gw.Fetch(ctx, models.TypeTrip, id)
		if err != nil {
			return nil, fmt.Errorf("session: select trip %s: %w", id, err)
		}
		if e, err = s.store.ApplyRemote(models.TypeTrip, canonical); err != nil {
			return nil, err
		}
	}
	if e == nil {
		return nil, fmt.Errorf("session: select trip: %s not found", id)
	}

	s.mu.Lock()
	s.activeTrip = id
	s.mu.Unlock()
	s.Notify(Change{Operation: OpRefresh, EntityType: models.TypeTrip, EntityID: id})
	return e.(*models.Trip), nil
}

// ListTrips returns all trips. Online, the server's list is shadowed
// into the Local Store first so the two views cannot drift.
func (s *Session) ListTrips(ctx context.Context) ([]models.Entity, error) {
	return s.List(ctx, models.TypeTrip, "")
}

// List returns the entities of type t under parentID, ordered for
// display. Online, the canonical list is mirrored locally before
// reading; offline, the Local Store answers alone.
func (s *Session) List(ctx context.Context, t models.EntityType, parentID string) ([]models.Entity, error) {
	if s.monitor.Online() && !strings.HasPrefix(parentID, models.LocalIDPrefix) {
		items, err := s.gw.ListByParent(ctx, t, parentID)
		if err != nil {
			s.logger.Printf("list %s under %q from server: %v", t, parentID, err)
		} else {
			canonical := make([]string, 0, len(items))
			mirrored := true
			for _, payload := range items {
				e, err := s.store.ApplyRemote(t, payload)
				if err != nil {
					s.logger.Printf("mirror %s: %v", t, err)
					mirrored = false
					continue
				}
				canonical = append(canonical, e.EntityID())
			}
			// The listing is the server's full view: synced rows it no
			// longer returns were deleted remotely and must go too. Only
			// prune against a fully mirrored listing.
			if mirrored {
				if err := s.store.PruneSynced(t, parentID, canonical); err != nil {
					s.logger.Printf("prune %s under %q: %v", t, parentID, err)
				}
			}
		}
	}
	return s.store.List(t, parentID)
}

// Get returns one entity from the Local Store, or nil if absent.
func (s *Session) Get(t models.EntityType, id string) (models.Entity, error) {
	return s.store.Get(t, id)
}

// Mutate is the single write path. Online, the Remote Gateway is tried
// first and the queue is only a fallback for retryable failures;
// offline, the write lands optimistically in the Local Store and is
// queued. Terminal server rejections are returned to the caller
// untouched. The returned entity reflects what the caller should
// render (nil for deletes).
func (s *Session) Mutate(ctx context.Context, op string, t models.EntityType, payload []byte) (models.Entity, error) {
	if !models.ValidType(t) {
		return nil, fmt.Errorf("session: mutate: unknown entity type %q", t)
	}
	switch op {
	case models.OpCreate:
		return s.create(ctx, t, payload)
	case models.OpUpdate:
		return s.update(ctx, t, payload)
	case models.OpDelete:
		var ref struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(payload, &ref); err != nil || ref.ID == "" {
			return nil, fmt.Errorf("session: delete: payload must carry an id")
		}
		return nil, s.delete(ctx, t, ref.ID)
	default:
		return nil, fmt.Errorf("session: mutate: unknown operation %q", op)
	}
}

func (s *Session) create(ctx context.Context, t models.EntityType, payload []byte) (models.Entity, error) {
	e, err := models.NewEntity(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, e); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", store.ErrMalformedPayload, t, err)
	}
	// The temporary identifier is assigned here even for direct sends:
	// it doubles as the create's idempotency key.
	tempID := models.LocalIDPrefix + uuid.NewString()
	e.SetEntityID(tempID)
	body, err := store.Encode(e)
	if err != nil {
		return nil, err
	}

	if s.monitor.Online() {
		canonical, err := s.gw.Create(ctx, t, tempID, body)
		switch {
		case err == nil:
			applied, err := s.store.ApplyRemote(t, canonical)
			if err != nil {
				return nil, err
			}
			s.Notify(Change{Operation: models.OpCreate, EntityType: t, EntityID: applied.EntityID()})
			return applied, nil
		case !gateway.IsRetryable(err):
			return nil, err
		default:
			s.logger.Printf("create %s: direct send failed, queueing: %v", t, err)
		}
	}

	e.SetStatus(models.SyncStatusPending)
	if err := s.store.Put(t, e); err != nil {
		return nil, err
	}
	if _, err := s.queue.Enqueue(models.OpCreate, t, tempID, body); err != nil {
		return nil, err
	}
	s.Notify(Change{Operation: models.OpCreate, EntityType: t, EntityID: tempID})
	return e, nil
}

func (s *Session) update(ctx context.Context, t models.EntityType, payload []byte) (models.Entity, error) {
	e, err := store.Decode(t, payload)
	if err != nil {
		return nil, err
	}
	id := e.EntityID()

	// An entity that still carries a temporary identifier has a create
	// sitting in the queue; the update folds into it there.
	if s.monitor.Online() && !strings.HasPrefix(id, models.LocalIDPrefix) {
		canonical, err := s.gw.Update(ctx, t, id, payload)
		switch {
		case err == nil:
			applied, err := s.store.ApplyRemote(t, canonical)
			if err != nil {
				return nil, err
			}
			s.Notify(Change{Operation: models.OpUpdate, EntityType: t, EntityID: id})
			return applied, nil
		case !gateway.IsRetryable(err):
			return nil, err
		default:
			s.logger.Printf("update %s/%s: direct send failed, queueing: %v", t, id, err)
		}
	}

	e.SetStatus(models.SyncStatusPending)
	if err := s.store.Put(t, e); err != nil {
		return nil, err
	}
	if _, err := s.queue.Enqueue(models.OpUpdate, t, id, payload); err != nil {
		return nil, err
	}
	s.Notify(Change{Operation: models.OpUpdate, EntityType: t, EntityID: id})
	return e, nil
}

func (s *Session) delete(ctx context.Context, t models.EntityType, id string) error {
	if s.monitor.Online() && !strings.HasPrefix(id, models.LocalIDPrefix) {
		err := s.gw.Delete(ctx, t, id)
		switch {
		case err == nil:
			if err := s.store.Delete(t, id); err != nil {
				return err
			}
			s.clearActive(id)
			s.Notify(Change{Operation: models.OpDelete, EntityType: t, EntityID: id})
			return nil
		case !gateway.IsRetryable(err):
			return err
		default:
			s.logger.Printf("delete %s/%s: direct send failed, queueing: %v", t, id, err)
		}
	}

	if err := s.store.Delete(t, id); err != nil {
		return err
	}
	// Enqueue may return no entry at all: deleting an entity whose
	// create never left the device cancels the whole exchange.
	if _, err := s.queue.Enqueue(models.OpDelete, t, id, nil); err != nil {
		return err
	}
	s.clearActive(id)
	s.Notify(Change{Operation: models.OpDelete, EntityType: t, EntityID: id})
	return nil
}

// Rekey re-points the active-trip selection after reconciliation
// replaced a temporary identifier with the canonical one.
func (s *Session) Rekey(tempID, canonicalID string) {
	s.mu.Lock()
	if s.activeTrip == tempID {
		s.activeTrip = canonicalID
	}
	s.mu.Unlock()
}

func (s *Session) clearActive(id string) {
	s.mu.Lock()
	if s.activeTrip == id {
		s.activeTrip = ""
	}
	s.mu.Unlock()
}
