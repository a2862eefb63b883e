package dashboard

import (
	"net/http"
	"strconv"
	"time"

	"github.com/calloway/waypoint/internal/models"
	"github.com/gin-gonic/gin"
)

func registerRoutes(router *gin.Engine, opts StartOpts) {
	api := router.Group("/api")
	api.GET("/status", handleStatus(opts))
	api.GET("/queue", handleQueue(opts))
	api.GET("/deadletters", handleDeadLetters(opts))
	api.POST("/deadletters/:id/resolve", handleResolveDeadLetter(opts))
	api.GET("/trips", handleTrips(opts))
	api.GET("/trips/:id/:children", handleChildren(opts))
	api.GET("/events", handleEvents(opts.Session))
}

// statusView is the engine-health snapshot shown at the top of the UI.
type statusView struct {
	Connectivity string    `json:"connectivity"`
	QueueDepth   int64     `json:"queueDepth"`
	Pending      int64     `json:"pendingEntities"`
	DeadLetters  int       `json:"deadLetters"`
	ActiveTrip   string    `json:"activeTrip,omitempty"`
	At           time.Time `json:"at"`
}

func handleStatus(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		depth, err := opts.Queue.Depth()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		pending, err := opts.Store.CountPending()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		dls, err := opts.Queue.DeadLetters()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		view := statusView{
			Connectivity: string(opts.Monitor.State()),
			QueueDepth:   depth,
			Pending:      pending,
			DeadLetters:  len(dls),
			At:           time.Now().UTC(),
		}
		if trip, err := opts.Session.ActiveTrip(); err == nil && trip != nil {
			view.ActiveTrip = trip.EntityID()
		}
		c.JSON(http.StatusOK, view)
	}
}

func handleQueue(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		groups, err := opts.Queue.PendingGroups()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if groups == nil {
			groups = [][]models.SyncQueueEntry{}
		}
		c.JSON(http.StatusOK, gin.H{"groups": groups})
	}
}

func handleDeadLetters(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		dls, err := opts.Queue.DeadLetters()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if dls == nil {
			dls = []models.DeadLetter{}
		}
		c.JSON(http.StatusOK, gin.H{"deadLetters": dls})
	}
}

// handleResolveDeadLetter retries or discards one dead letter.
// ?action=retry re-enqueues the entry; ?action=discard drops it.
func handleResolveDeadLetter(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dead letter id"})
			return
		}
		action := c.DefaultQuery("action", "retry")
		if action != "retry" && action != "discard" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "action must be retry or discard"})
			return
		}
		entry, err := opts.Queue.ResolveDeadLetter(uint(id), action == "retry")
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		resp := gin.H{"resolved": id, "action": action}
		if entry != nil {
			resp["requeuedAs"] = entry.Sequence
		}
		c.JSON(http.StatusOK, resp)
	}
}

func handleTrips(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		trips, err := opts.Session.ListTrips(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"trips": trips})
	}
}

// childTypes maps the URL path segment to the entity type listed
// under a trip (or, for events and pois, under a city).
var childTypes = map[string]models.EntityType{
	"cities":    models.TypeTripCity,
	"events":    models.TypeItineraryEvent,
	"packing":   models.TypePackingItem,
	"documents": models.TypeTravelDocument,
	"expenses":  models.TypeTravelExpense,
	"places":    models.TypeSavedPlace,
	"pois":      models.TypePinnedPOI,
}

func handleChildren(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, ok := childTypes[c.Param("children")]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown collection " + c.Param("children")})
			return
		}
		items, err := opts.Session.List(c.Request.Context(), t, c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}
