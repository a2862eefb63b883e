// Package models defines the GORM models for the Waypoint sync engine:
// the trip-planning entities mirrored from the server, the sync queue,
// and its dead-letter list.
package models

import (
	"fmt"
	"time"
)

// Sync status tags. The tag is explicit state, never inferred from the
// shape of an entity's identifier.
const (
	SyncStatusSynced   = "synced"   // matches the server's canonical copy
	SyncStatusPending  = "pending"  // local write not yet confirmed by the server
	SyncStatusConflict = "conflict" // rejected by the server, needs attention
)

// LocalIDPrefix marks identifiers issued on-device for entities created
// while offline. Canonical identifiers are issued by the server.
const LocalIDPrefix = "local-"

// EntityType names one of the synced entity tables.
type EntityType string

const (
	TypeTrip           EntityType = "trip"
	TypeTripCity       EntityType = "trip_city"
	TypeItineraryEvent EntityType = "itinerary_event"
	TypePackingItem    EntityType = "packing_item"
	TypeTravelDocument EntityType = "travel_document"
	TypeTravelExpense  EntityType = "travel_expense"
	TypeSavedPlace     EntityType = "saved_place"
	TypePinnedPOI      EntityType = "pinned_poi"
)

// Meta holds the columns common to every synced entity.
type Meta struct {
	ID         string    `gorm:"primaryKey;size:64" json:"id"`
	ParentID   string    `gorm:"size:64;index" json:"parentId,omitempty"`
	SyncStatus string    `gorm:"size:16;default:synced;index" json:"syncStatus,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// EntityID returns the entity's identifier (temporary or canonical).
func (m *Meta) EntityID() string { return m.ID }

// SetEntityID replaces the entity's identifier.
func (m *Meta) SetEntityID(id string) { m.ID = id }

// Parent returns the identifier of the owning entity, or "" for trips.
func (m *Meta) Parent() string { return m.ParentID }

// SetParent replaces the owning entity's identifier.
func (m *Meta) SetParent(id string) { m.ParentID = id }

// Status returns the entity's sync status tag.
func (m *Meta) Status() string { return m.SyncStatus }

// SetStatus replaces the entity's sync status tag.
func (m *Meta) SetStatus(s string) { m.SyncStatus = s }

// IsLocal reports whether the entity still carries a temporary
// on-device identifier.
func (m *Meta) IsLocal() bool {
	return len(m.ID) > len(LocalIDPrefix) && m.ID[:len(LocalIDPrefix)] == LocalIDPrefix
}

// Entity is implemented by every synced model via the embedded Meta.
type Entity interface {
	EntityID() string
	SetEntityID(string)
	Parent() string
	SetParent(string)
	Status() string
	SetStatus(string)
}

// Trip is the top-level planning entity. Trips have no parent.
type Trip struct {
	Meta
	Name      string     `gorm:"size:128;not null" json:"name"`
	Notes     string     `gorm:"type:text" json:"notes,omitempty"`
	StartDate *time.Time `json:"startDate,omitempty"`
	EndDate   *time.Time `json:"endDate,omitempty"`
	Currency  string     `gorm:"size:8" json:"currency,omitempty"`
	Archived  bool       `gorm:"default:false;index" json:"archived,omitempty"`
}

// TripCity is a destination within a trip, ordered by OrderIndex.
type TripCity struct {
	Meta
	Name       string     `gorm:"size:128;not null" json:"name"`
	Country    string     `gorm:"size:64" json:"country,omitempty"`
	Latitude   float64    `json:"latitude,omitempty"`
	Longitude  float64    `json:"longitude,omitempty"`
	ArriveDate *time.Time `json:"arriveDate,omitempty"`
	DepartDate *time.Time `json:"departDate,omitempty"`
	OrderIndex int        `gorm:"index" json:"orderIndex"`
}

// ItineraryEvent is a scheduled activity within a city.
type ItineraryEvent struct {
	Meta
	Title     string     `gorm:"size:128;not null" json:"title"`
	Notes     string     `gorm:"type:text" json:"notes,omitempty"`
	Date      *time.Time `gorm:"index" json:"date,omitempty"`
	StartTime string     `gorm:"size:8" json:"startTime,omitempty"` // "HH:MM"
	EndTime   string     `gorm:"size:8" json:"endTime,omitempty"`
	Location  string     `gorm:"size:256" json:"location,omitempty"`
}

// PackingItem is a checklist entry for a trip.
type PackingItem struct {
	Meta
	Name     string `gorm:"size:128;not null" json:"name"`
	Category string `gorm:"size:64;index" json:"category,omitempty"`
	Quantity int    `gorm:"default:1" json:"quantity"`
	Packed   bool   `gorm:"default:false" json:"packed"`
}

// TravelDocument is a stored document reference (passport, booking, ...).
type TravelDocument struct {
	Meta
	Name      string     `gorm:"size:128;not null" json:"name"`
	Kind      string     `gorm:"size:32;index" json:"kind,omitempty"`
	Reference string     `gorm:"size:128" json:"reference,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	FileURL   string     `gorm:"size:512" json:"fileUrl,omitempty"`
}

// TravelExpense records money spent on a trip.
type TravelExpense struct {
	Meta
	Description string     `gorm:"size:256" json:"description,omitempty"`
	Amount      float64    `gorm:"not null" json:"amount"`
	Currency    string     `gorm:"size:8" json:"currency,omitempty"`
	Category    string     `gorm:"size:64;index" json:"category,omitempty"`
	SpentAt     *time.Time `gorm:"index" json:"spentAt,omitempty"`
	PaidBy      string     `gorm:"size:64" json:"paidBy,omitempty"`
}

// SavedPlace is a bookmarked location attached to a trip.
type SavedPlace struct {
	Meta
	Name      string  `gorm:"size:128;not null" json:"name"`
	Address   string  `gorm:"size:256" json:"address,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Notes     string  `gorm:"type:text" json:"notes,omitempty"`
}

// PinnedPOI is a point of interest pinned to a city's map view.
type PinnedPOI struct {
	Meta
	Name      string  `gorm:"size:128;not null" json:"name"`
	Category  string  `gorm:"size:64" json:"category,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	PlaceRef  string  `gorm:"size:128" json:"placeRef,omitempty"` // provider POI id
}

// typeInfo describes how the store and gateway handle one entity type.
type typeInfo struct {
	// newEntity returns a pointer to a zero value of the concrete model.
	newEntity func() Entity
	// newSlice returns a pointer to an empty slice of the concrete model,
	// suitable as a GORM Find destination.
	newSlice func() any
	// restPath is the server collection path, e.g. "/api/v1/trips".
	restPath string
	// orderBy is the clause applied by Store.List.
	orderBy string
	// parentType is the entity type of the owning record; empty for trips.
	parentType EntityType
}

var registry = map[EntityType]typeInfo{
	TypeTrip: {
		newEntity: func() Entity { return &Trip{} },
		newSlice:  func() any { return &[]Trip{} },
		restPath:  "/api/v1/trips",
		orderBy:   "start_date ASC, name ASC",
	},
	TypeTripCity: {
		newEntity:  func() Entity { return &TripCity{} },
		newSlice:   func() any { return &[]TripCity{} },
		restPath:   "/api/v1/cities",
		orderBy:    "order_index ASC",
		parentType: TypeTrip,
	},
	TypeItineraryEvent: {
		newEntity:  func() Entity { return &ItineraryEvent{} },
		newSlice:   func() any { return &[]ItineraryEvent{} },
		restPath:   "/api/v1/events",
		orderBy:    "date ASC, start_time ASC",
		parentType: TypeTripCity,
	},
	TypePackingItem: {
		newEntity:  func() Entity { return &PackingItem{} },
		newSlice:   func() any { return &[]PackingItem{} },
		restPath:   "/api/v1/packing-items",
		orderBy:    "category ASC, name ASC",
		parentType: TypeTrip,
	},
	TypeTravelDocument: {
		newEntity:  func() Entity { return &TravelDocument{} },
		newSlice:   func() any { return &[]TravelDocument{} },
		restPath:   "/api/v1/documents",
		orderBy:    "kind ASC, name ASC",
		parentType: TypeTrip,
	},
	TypeTravelExpense: {
		newEntity:  func() Entity { return &TravelExpense{} },
		newSlice:   func() any { return &[]TravelExpense{} },
		restPath:   "/api/v1/expenses",
		orderBy:    "spent_at ASC",
		parentType: TypeTrip,
	},
	TypeSavedPlace: {
		newEntity:  func() Entity { return &SavedPlace{} },
		newSlice:   func() any { return &[]SavedPlace{} },
		restPath:   "/api/v1/places",
		orderBy:    "name ASC",
		parentType: TypeTrip,
	},
	TypePinnedPOI: {
		newEntity:  func() Entity { return &PinnedPOI{} },
		newSlice:   func() any { return &[]PinnedPOI{} },
		restPath:   "/api/v1/pois",
		orderBy:    "name ASC",
		parentType: TypeTripCity,
	},
}

// EntityTypes returns all registered entity types in a stable order.
func EntityTypes() []EntityType {
	return []EntityType{
		TypeTrip, TypeTripCity, TypeItineraryEvent, TypePackingItem,
		TypeTravelDocument, TypeTravelExpense, TypeSavedPlace, TypePinnedPOI,
	}
}

// NewEntity returns a zero value of the concrete model for t.
func NewEntity(t EntityType) (Entity, error) {
	info, ok := registry[t]
	if !ok {
		return nil, fmt.Errorf("models: unknown entity type %q", t)
	}
	return info.newEntity(), nil
}

// NewEntitySlice returns a pointer to an empty slice of the concrete
// model for t, usable as a GORM Find destination.
func NewEntitySlice(t EntityType) (any, error) {
	info, ok := registry[t]
	if !ok {
		return nil, fmt.Errorf("models: unknown entity type %q", t)
	}
	return info.newSlice(), nil
}

// RESTPath returns the server collection path for t.
func RESTPath(t EntityType) (string, error) {
	info, ok := registry[t]
	if !ok {
		return "", fmt.Errorf("models: unknown entity type %q", t)
	}
	return info.restPath, nil
}

// ParentType returns the entity type of t's owning record, or "" when
// t is the top level (trips).
func ParentType(t EntityType) EntityType {
	return registry[t].parentType
}

// ListOrder returns the ORDER BY clause used when listing t by parent.
func ListOrder(t EntityType) string {
	if info, ok := registry[t]; ok {
		return info.orderBy
	}
	return "created_at ASC"
}

// ValidType reports whether t names a registered entity type.
func ValidType(t EntityType) bool {
	_, ok := registry[t]
	return ok
}
