// Package store implements the Local Store: the durable on-device mirror
// of server-owned trip entities. It is pure storage — no network
// awareness — and is the sole owner of on-device entity state.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/calloway/waypoint/internal/models"
	"gorm.io/gorm"
)

// ErrMalformedPayload marks a serialization failure. It is fatal for the
// operation and must never be retried.
var ErrMalformedPayload = errors.New("store: malformed payload")

// Store provides typed access to the local mirror tables. A put either
// fully replaces the record or fails; there are no partial applies.
type Store struct {
	db *gorm.DB
}

// New wraps an opened, migrated GORM database.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Get returns the entity with the given id, or nil if it is not present.
func (s *Store) Get(t models.EntityType, id string) (models.Entity, error) {
	e, err := models.NewEntity(t)
	if err != nil {
		return nil, fmt.Errorf("store: get: %w", err)
	}
	result := s.db.First(e, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("store: get %s/%s: %w", t, id, result.Error)
	}
	return e, nil
}

// Put fully replaces (or inserts) the entity's record.
func (s *Store) Put(t models.EntityType, e models.Entity) error {
	if !models.ValidType(t) {
		return fmt.Errorf("store: put: unknown entity type %q", t)
	}
	if e.EntityID() == "" {
		return fmt.Errorf("store: put %s: id is required", t)
	}
	if err := s.db.Save(e).Error; err != nil {
		return fmt.Errorf("store: put %s/%s: %w", t, e.EntityID(), err)
	}
	return nil
}

// Delete removes the entity's record. Deleting an absent record is a no-op.
func (s *Store) Delete(t models.EntityType, id string) error {
	e, err := models.NewEntity(t)
	if err != nil {
		return fmt.Errorf("store: delete: %w", err)
	}
	if err := s.db.Delete(e, "id = ?", id).Error; err != nil {
		return fmt.Errorf("store: delete %s/%s: %w", t, id, err)
	}
	return nil
}

// List returns all entities of type t under parentID, in the type's
// display order (city order index, event date then start time, ...).
// Trips ignore parentID.
func (s *Store) List(t models.EntityType, parentID string) ([]models.Entity, error) {
	slice, err := models.NewEntitySlice(t)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	q := s.db.Order(models.ListOrder(t))
	if t != models.TypeTrip {
		q = q.Where("parent_id = ?", parentID)
	}
	if err := q.Find(slice).Error; err != nil {
		return nil, fmt.Errorf("store: list %s under %q: %w", t, parentID, err)
	}

	v := reflect.ValueOf(slice).Elem()
	out := make([]models.Entity, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		out = append(out, v.Index(i).Addr().Interface().(models.Entity))
	}
	return out, nil
}

// Decode unmarshals a JSON payload into the concrete model for t.
// A payload that does not parse is a programming or server error, not a
// transient condition: the caller gets ErrMalformedPayload.
func Decode(t models.EntityType, payload []byte) (models.Entity, error) {
	e, err := models.NewEntity(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, e); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, t, err)
	}
	if e.EntityID() == "" {
		return nil, fmt.Errorf("%w: %s: missing id", ErrMalformedPayload, t)
	}
	return e, nil
}

// Encode marshals an entity to its JSON wire form.
func Encode(e models.Entity) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return data, nil
}

// ApplyRemote decodes a canonical server payload and replaces the local
// record, tagging it synced. Returns the stored entity.
func (s *Store) ApplyRemote(t models.EntityType, payload []byte) (models.Entity, error) {
	e, err := Decode(t, payload)
	if err != nil {
		return nil, err
	}
	e.SetStatus(models.SyncStatusSynced)
	if err := s.Put(t, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Rekey atomically replaces a temporary identifier with the canonical
// one, and repoints children that reference the temporary identifier as
// their parent. The rekeyed record is tagged synced.
func (s *Store) Rekey(t models.EntityType, tempID, canonicalID string) error {
	e, err := s.Get(t, tempID)
	if err != nil {
		return err
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if e != nil {
			if err := tx.Delete(e, "id = ?", tempID).Error; err != nil {
				return fmt.Errorf("drop temporary record: %w", err)
			}
			e.SetEntityID(canonicalID)
			e.SetStatus(models.SyncStatusSynced)
			if err := tx.Save(e).Error; err != nil {
				return fmt.Errorf("save canonical record: %w", err)
			}
		}
		// Children created offline still point at the temporary parent.
		for _, ct := range models.EntityTypes() {
			if ct == models.TypeTrip {
				continue
			}
			proto, _ := models.NewEntity(ct)
			if err := tx.Model(proto).Where("parent_id = ?", tempID).
				Update("parent_id", canonicalID).Error; err != nil {
				return fmt.Errorf("repoint %s children: %w", ct, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: rekey %s %s -> %s: %w", t, tempID, canonicalID, err)
	}
	return nil
}

// PruneSynced removes synced records of type t under parentID whose id
// is not in keep — rows the server no longer returns were deleted
// remotely (server wins on structural conflicts). Pending and conflict
// rows are left alone so optimistic offline writes survive a mirror.
func (s *Store) PruneSynced(t models.EntityType, parentID string, keep []string) error {
	proto, err := models.NewEntity(t)
	if err != nil {
		return fmt.Errorf("store: prune: %w", err)
	}
	q := s.db.Where("sync_status = ?", models.SyncStatusSynced)
	if t != models.TypeTrip {
		q = q.Where("parent_id = ?", parentID)
	}
	if len(keep) > 0 {
		q = q.Where("id NOT IN ?", keep)
	}
	if err := q.Delete(proto).Error; err != nil {
		return fmt.Errorf("store: prune %s under %q: %w", t, parentID, err)
	}
	return nil
}

// MarkSyncStatus updates only the sync status tag of a record.
func (s *Store) MarkSyncStatus(t models.EntityType, id, status string) error {
	proto, err := models.NewEntity(t)
	if err != nil {
		return fmt.Errorf("store: mark status: %w", err)
	}
	result := s.db.Model(proto).Where("id = ?", id).
		Updates(map[string]interface{}{"sync_status": status, "updated_at": time.Now()})
	if result.Error != nil {
		return fmt.Errorf("store: mark %s/%s %s: %w", t, id, status, result.Error)
	}
	return nil
}

// CountPending returns how many records across all entity tables are
// still waiting on the server ("pending sync" in the UI).
func (s *Store) CountPending() (int64, error) {
	var total int64
	for _, t := range models.EntityTypes() {
		proto, _ := models.NewEntity(t)
		var n int64
		if err := s.db.Model(proto).Where("sync_status = ?", models.SyncStatusPending).Count(&n).Error; err != nil {
			return 0, fmt.Errorf("store: count pending %s: %w", t, err)
		}
		total += n
	}
	return total, nil
}
