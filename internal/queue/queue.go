// Package queue implements the durable Sync Queue: the ordered log of
// mutations made while offline (or failed transiently online), persisted
// in the local mirror database so unsynced work survives restarts.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/calloway/waypoint/internal/models"
	"gorm.io/gorm"
)

// Queue is the durable mutation log. Entries for the same entity are
// applied strictly in sequence order; unrelated entities drain
// independently.
type Queue struct {
	db     *gorm.DB
	logger *log.Logger
}

// New wraps an opened, migrated GORM database. If logger is nil, a
// default logger writing to stderr is used.
func New(db *gorm.DB, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{db: db, logger: logger}
}

// Enqueue records a mutation for later replay, coalescing where doing so
// cannot change what the server ends up seeing:
//
//   - an update folds into a still-pending update or create for the same
//     entity (the payload is a full snapshot, so replacement is exact);
//   - a delete cancels all still-pending entries for the entity, and is
//     itself dropped when one of them was the create — the server never
//     saw the entity, so no network call is owed at all.
//
// Returns the surviving entry, or nil when the mutation coalesced away
// entirely.
func (q *Queue) Enqueue(op string, t models.EntityType, entityID string, payload []byte) (*models.SyncQueueEntry, error) {
	if op != models.OpCreate && op != models.OpUpdate && op != models.OpDelete {
		return nil, fmt.Errorf("queue: enqueue: unknown operation %q", op)
	}
	if !models.ValidType(t) {
		return nil, fmt.Errorf("queue: enqueue: unknown entity type %q", t)
	}
	if entityID == "" {
		return nil, fmt.Errorf("queue: enqueue: entityID is required")
	}
	if op != models.OpDelete && len(payload) == 0 {
		return nil, fmt.Errorf("queue: enqueue %s %s: payload is required", op, t)
	}

	var entry *models.SyncQueueEntry
	err := q.db.Transaction(func(tx *gorm.DB) error {
		switch op {
		case models.OpUpdate:
			// Fold into the newest pending entry for this entity if it
			// has not been sent yet.
			var last models.SyncQueueEntry
			result := tx.Where("entity_id = ? AND state = ?", entityID, models.EntryPending).
				Order("sequence DESC").First(&last)
			if result.Error == nil && (last.Operation == models.OpUpdate || last.Operation == models.OpCreate) {
				last.Payload = string(payload)
				last.EnqueuedAt = time.Now()
				if err := tx.Save(&last).Error; err != nil {
					return fmt.Errorf("coalesce update: %w", err)
				}
				entry = &last
				return nil
			}
			if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return fmt.Errorf("find coalesce target: %w", result.Error)
			}
		case models.OpDelete:
			var pending []models.SyncQueueEntry
			if err := tx.Where("entity_id = ? AND state = ?", entityID, models.EntryPending).
				Find(&pending).Error; err != nil {
				return fmt.Errorf("find superseded entries: %w", err)
			}
			neverSynced := false
			for _, p := range pending {
				if p.Operation == models.OpCreate {
					neverSynced = true
				}
			}
			if len(pending) > 0 {
				if err := tx.Where("entity_id = ? AND state = ?", entityID, models.EntryPending).
					Delete(&models.SyncQueueEntry{}).Error; err != nil {
					return fmt.Errorf("cancel superseded entries: %w", err)
				}
			}
			if neverSynced {
				// The create never left the device; nothing to tell the server.
				return nil
			}
		}

		e := models.SyncQueueEntry{
			Operation:  op,
			EntityType: string(t),
			EntityID:   entityID,
			Payload:    string(payload),
			State:      models.EntryPending,
			EnqueuedAt: time.Now(),
		}
		if err := tx.Create(&e).Error; err != nil {
			return fmt.Errorf("create entry: %w", err)
		}
		entry = &e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: enqueue %s %s/%s: %w", op, t, entityID, err)
	}
	if entry != nil {
		q.logger.Printf("enqueued seq=%d %s %s/%s", entry.Sequence, op, t, entityID)
	} else {
		q.logger.Printf("coalesced away %s %s/%s", op, t, entityID)
	}
	return entry, nil
}

// PeekOldest returns the oldest pending entry, or nil when the queue is
// empty.
func (q *Queue) PeekOldest() (*models.SyncQueueEntry, error) {
	var e models.SyncQueueEntry
	result := q.db.Where("state = ?", models.EntryPending).Order("sequence ASC").First(&e)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("queue: peek: %w", result.Error)
	}
	return &e, nil
}

// PendingGroups returns all pending entries grouped per entity, each
// group in sequence order, groups ordered by their first sequence. The
// reconciler drains each group in order and may abandon one group
// without blocking the others.
func (q *Queue) PendingGroups() ([][]models.SyncQueueEntry, error) {
	var entries []models.SyncQueueEntry
	if err := q.db.Where("state = ?", models.EntryPending).
		Order("sequence ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("queue: pending groups: %w", err)
	}

	index := make(map[string]int)
	var groups [][]models.SyncQueueEntry
	for _, e := range entries {
		i, ok := index[e.EntityID]
		if !ok {
			i = len(groups)
			index[e.EntityID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], e)
	}
	return groups, nil
}

// NextPending returns the oldest pending entry whose entity is not in
// skip, or nil when no such entry exists. The reconciler re-reads each
// entry from the database this way so identifier rewrites performed
// earlier in the same pass are always reflected in what gets sent.
func (q *Queue) NextPending(skip []string) (*models.SyncQueueEntry, error) {
	var e models.SyncQueueEntry
	tx := q.db.Where("state = ?", models.EntryPending)
	if len(skip) > 0 {
		tx = tx.Where("entity_id NOT IN ?", skip)
	}
	result := tx.Order("sequence ASC").First(&e)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("queue: next pending: %w", result.Error)
	}
	return &e, nil
}

// PendingBlockedOn returns pending entries whose payload names parentID
// as the owning record, oldest first. The reconciler uses this to
// cascade a dead parent create onto the children waiting for its
// identifier.
func (q *Queue) PendingBlockedOn(parentID string) ([]models.SyncQueueEntry, error) {
	var entries []models.SyncQueueEntry
	if err := q.db.Where("state = ? AND payload LIKE ?", models.EntryPending, "%"+parentID+"%").
		Order("sequence ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("queue: pending blocked on %s: %w", parentID, err)
	}

	// LIKE is only a prefilter; confirm the reference is the parentId
	// field, not free text that happens to mention the identifier.
	out := make([]models.SyncQueueEntry, 0, len(entries))
	for _, e := range entries {
		var obj struct {
			ParentID string `json:"parentId"`
		}
		if json.Unmarshal([]byte(e.Payload), &obj) != nil {
			continue
		}
		if obj.ParentID == parentID && e.EntityID != parentID {
			out = append(out, e)
		}
	}
	return out, nil
}

// MarkInflight transitions a pending entry to inflight so a concurrent
// enqueue cannot coalesce into a payload that is already on the wire.
func (q *Queue) MarkInflight(sequence uint) error {
	now := time.Now()
	result := q.db.Model(&models.SyncQueueEntry{}).
		Where("sequence = ? AND state = ?", sequence, models.EntryPending).
		Updates(map[string]interface{}{"state": models.EntryInflight, "sent_at": &now})
	if result.Error != nil {
		return fmt.Errorf("queue: mark inflight %d: %w", sequence, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("queue: mark inflight %d: entry not pending", sequence)
	}
	return nil
}

// MarkSucceeded removes a confirmed entry from the queue.
func (q *Queue) MarkSucceeded(sequence uint) error {
	result := q.db.Delete(&models.SyncQueueEntry{}, "sequence = ?", sequence)
	if result.Error != nil {
		return fmt.Errorf("queue: mark succeeded %d: %w", sequence, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("queue: mark succeeded %d: entry not found", sequence)
	}
	return nil
}

// MarkFailed records a failed attempt. Retryable failures return the
// entry to pending with the attempt counted; terminal failures move it
// to the dead-letter list so later entries for other entities are never
// blocked behind it.
func (q *Queue) MarkFailed(sequence uint, cause string, retryable bool) error {
	err := q.db.Transaction(func(tx *gorm.DB) error {
		var e models.SyncQueueEntry
		if err := tx.First(&e, "sequence = ?", sequence).Error; err != nil {
			return fmt.Errorf("load entry: %w", err)
		}
		e.Attempts++
		e.LastError = cause

		if retryable {
			e.State = models.EntryPending
			if err := tx.Save(&e).Error; err != nil {
				return fmt.Errorf("requeue entry: %w", err)
			}
			return nil
		}

		dl := models.DeadLetter{
			Sequence:   e.Sequence,
			Operation:  e.Operation,
			EntityType: e.EntityType,
			EntityID:   e.EntityID,
			Payload:    e.Payload,
			Attempts:   e.Attempts,
			Reason:     cause,
			EnqueuedAt: e.EnqueuedAt,
			DeadAt:     time.Now(),
		}
		if err := tx.Create(&dl).Error; err != nil {
			return fmt.Errorf("dead-letter entry: %w", err)
		}
		if err := tx.Delete(&models.SyncQueueEntry{}, "sequence = ?", sequence).Error; err != nil {
			return fmt.Errorf("remove dead entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: mark failed %d: %w", sequence, err)
	}
	if !retryable {
		q.logger.Printf("dead-lettered seq=%d: %s", sequence, cause)
	}
	return nil
}

// RequeueInflight returns inflight entries to pending. Called once at
// startup: an inflight entry means the process died mid-send, and the
// idempotency key makes the re-send safe.
func (q *Queue) RequeueInflight() (int64, error) {
	result := q.db.Model(&models.SyncQueueEntry{}).
		Where("state = ?", models.EntryInflight).
		Update("state", models.EntryPending)
	if result.Error != nil {
		return 0, fmt.Errorf("queue: requeue inflight: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		q.logger.Printf("requeued %d inflight entries from previous run", result.RowsAffected)
	}
	return result.RowsAffected, nil
}

// RewriteEntityID propagates a canonical identifier to every remaining
// queue entry that still references the temporary one — both the
// entity_id column and identifier values inside payloads (e.g. a queued
// packing item whose parentId is the trip's temporary id).
func (q *Queue) RewriteEntityID(tempID, canonicalID string) error {
	err := q.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.SyncQueueEntry{}).
			Where("entity_id = ?", tempID).
			Update("entity_id", canonicalID).Error; err != nil {
			return fmt.Errorf("rewrite entity_id: %w", err)
		}

		var entries []models.SyncQueueEntry
		if err := tx.Where("payload LIKE ?", "%"+tempID+"%").Find(&entries).Error; err != nil {
			return fmt.Errorf("find referencing payloads: %w", err)
		}
		for _, e := range entries {
			rewritten, changed, err := rewritePayload(e.Payload, tempID, canonicalID)
			if err != nil {
				return fmt.Errorf("rewrite payload seq=%d: %w", e.Sequence, err)
			}
			if !changed {
				continue
			}
			if err := tx.Model(&models.SyncQueueEntry{}).
				Where("sequence = ?", e.Sequence).
				Update("payload", rewritten).Error; err != nil {
				return fmt.Errorf("save payload seq=%d: %w", e.Sequence, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: rewrite %s -> %s: %w", tempID, canonicalID, err)
	}
	return nil
}

// rewritePayload replaces identifier-valued strings equal to tempID in a
// JSON object payload. Only whole string values are replaced, never
// substrings, so free text mentioning the id is left alone.
func rewritePayload(payload, tempID, canonicalID string) (string, bool, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(payload), &obj); err != nil {
		return "", false, err
	}
	changed := false
	for k, v := range obj {
		if s, ok := v.(string); ok && s == tempID {
			obj[k] = canonicalID
			changed = true
		}
	}
	if !changed {
		return payload, false, nil
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// Depth returns the number of active (pending or inflight) entries.
func (q *Queue) Depth() (int64, error) {
	var n int64
	if err := q.db.Model(&models.SyncQueueEntry{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	return n, nil
}

// DeadLetters returns all dead-lettered entries, oldest first.
func (q *Queue) DeadLetters() ([]models.DeadLetter, error) {
	var dls []models.DeadLetter
	if err := q.db.Order("dead_at ASC").Find(&dls).Error; err != nil {
		return nil, fmt.Errorf("queue: dead letters: %w", err)
	}
	return dls, nil
}

// ResolveDeadLetter closes out a dead letter after the user has decided:
// retry re-enqueues the original mutation as a fresh pending entry;
// otherwise the letter is discarded.
func (q *Queue) ResolveDeadLetter(id uint, retry bool) (*models.SyncQueueEntry, error) {
	var entry *models.SyncQueueEntry
	err := q.db.Transaction(func(tx *gorm.DB) error {
		var dl models.DeadLetter
		if err := tx.First(&dl, "id = ?", id).Error; err != nil {
			return fmt.Errorf("load dead letter: %w", err)
		}
		if retry {
			e := models.SyncQueueEntry{
				Operation:  dl.Operation,
				EntityType: dl.EntityType,
				EntityID:   dl.EntityID,
				Payload:    dl.Payload,
				State:      models.EntryPending,
				EnqueuedAt: time.Now(),
			}
			if err := tx.Create(&e).Error; err != nil {
				return fmt.Errorf("re-enqueue: %w", err)
			}
			entry = &e
		}
		if err := tx.Delete(&models.DeadLetter{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("discard dead letter: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: resolve dead letter %d: %w", id, err)
	}
	return entry, nil
}
