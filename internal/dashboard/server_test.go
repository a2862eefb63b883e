package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/calloway/waypoint/internal/connectivity"
	"github.com/calloway/waypoint/internal/db"
	"github.com/calloway/waypoint/internal/gateway"
	"github.com/calloway/waypoint/internal/models"
	"github.com/calloway/waypoint/internal/queue"
	"github.com/calloway/waypoint/internal/session"
	"github.com/calloway/waypoint/internal/store"
	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestRouter(t *testing.T) (*gin.Engine, *store.Store, *queue.Queue, *session.Session, *connectivity.Monitor) {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := gdb.AutoMigrate(db.AllModels()...); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}

	st := store.New(gdb)
	q := queue.New(gdb, log.New(io.Discard, "", 0))
	mon := connectivity.NewMonitor(connectivity.MonitorOpts{
		Initial: connectivity.Offline,
		Logger:  log.New(io.Discard, "", 0),
	})
	sess, err := session.New(session.Opts{
		Store: st, Queue: q, Gateway: gateway.NewMock(), Monitor: mon,
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	router := NewRouter(StartOpts{Store: st, Queue: q, Session: sess, Monitor: mon})
	return router, st, q, sess, mon
}

func getJSON(t *testing.T, router *gin.Engine, path string, out any) int {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)
	if out != nil && w.Code == http.StatusOK {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v\nbody: %s", path, err, w.Body.String())
		}
	}
	return w.Code
}

func TestStatus(t *testing.T) {
	router, st, q, _, mon := newTestRouter(t)

	st.Put(models.TypeTrip, &models.Trip{
		Meta: models.Meta{ID: "local-1", SyncStatus: models.SyncStatusPending}, Name: "Paris",
	})
	q.Enqueue(models.OpCreate, models.TypeTrip, "local-1", []byte(`{"id":"local-1","name":"Paris"}`))
	mon.Report(true)

	var view statusView
	if code := getJSON(t, router, "/api/status", &view); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if view.Connectivity != string(connectivity.Online) {
		t.Errorf("Connectivity = %q", view.Connectivity)
	}
	if view.QueueDepth != 1 {
		t.Errorf("QueueDepth = %d, want 1", view.QueueDepth)
	}
	if view.Pending != 1 {
		t.Errorf("Pending = %d, want 1", view.Pending)
	}
}

func TestQueueEndpoint(t *testing.T) {
	router, _, q, _, _ := newTestRouter(t)
	q.Enqueue(models.OpUpdate, models.TypeTrip, "trip-1", []byte(`{"id":"trip-1"}`))
	q.Enqueue(models.OpUpdate, models.TypeTrip, "trip-2", []byte(`{"id":"trip-2"}`))

	var resp struct {
		Groups [][]models.SyncQueueEntry `json:"groups"`
	}
	if code := getJSON(t, router, "/api/queue", &resp); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if len(resp.Groups) != 2 {
		t.Errorf("groups = %d, want 2", len(resp.Groups))
	}
}

func TestDeadLettersAndResolve(t *testing.T) {
	router, _, q, _, _ := newTestRouter(t)

	e, _ := q.Enqueue(models.OpUpdate, models.TypeTrip, "trip-1", []byte(`{"id":"trip-1"}`))
	q.MarkInflight(e.Sequence)
	q.MarkFailed(e.Sequence, "conflict", false)

	var resp struct {
		DeadLetters []models.DeadLetter `json:"deadLetters"`
	}
	if code := getJSON(t, router, "/api/deadletters", &resp); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if len(resp.DeadLetters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(resp.DeadLetters))
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost,
		"/api/deadletters/"+strconv.Itoa(int(resp.DeadLetters[0].ID))+"/resolve?action=retry", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("resolve code = %d, body %s", w.Code, w.Body.String())
	}
	if n, _ := q.Depth(); n != 1 {
		t.Errorf("queue depth = %d, want 1 after retry", n)
	}
	if dls, _ := q.DeadLetters(); len(dls) != 0 {
		t.Errorf("dead letters = %d, want 0 after resolve", len(dls))
	}
}

func TestResolveValidation(t *testing.T) {
	router, _, _, _, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/deadletters/abc/resolve", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("non-numeric id: code = %d, want 400", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/deadletters/1/resolve?action=shred", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad action: code = %d, want 400", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/deadletters/999/resolve", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown id: code = %d, want 404", w.Code)
	}
}

func TestTripsAndChildren(t *testing.T) {
	router, st, _, _, _ := newTestRouter(t)
	st.Put(models.TypeTrip, &models.Trip{Meta: models.Meta{ID: "trip-1"}, Name: "Japan"})
	st.Put(models.TypeTripCity, &models.TripCity{
		Meta: models.Meta{ID: "c-1", ParentID: "trip-1"}, Name: "Tokyo",
	})

	var trips struct {
		Trips []json.RawMessage `json:"trips"`
	}
	if code := getJSON(t, router, "/api/trips", &trips); code != http.StatusOK {
		t.Fatalf("trips code = %d", code)
	}
	if len(trips.Trips) != 1 {
		t.Errorf("trips = %d, want 1", len(trips.Trips))
	}

	var cities struct {
		Items []json.RawMessage `json:"items"`
	}
	if code := getJSON(t, router, "/api/trips/trip-1/cities", &cities); code != http.StatusOK {
		t.Fatalf("cities code = %d", code)
	}
	if len(cities.Items) != 1 {
		t.Errorf("cities = %d, want 1", len(cities.Items))
	}

	if code := getJSON(t, router, "/api/trips/trip-1/submarines", nil); code != http.StatusNotFound {
		t.Errorf("unknown collection: code = %d, want 404", code)
	}
}

func TestEventsStreamSendsConnected(t *testing.T) {
	router, _, _, _, _ := newTestRouter(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(w, req)
		close(done)
	}()
	cancel()
	<-done

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), "event: connected") {
		t.Errorf("body = %q, want connected event", w.Body.String())
	}
}

func TestStart_Validation(t *testing.T) {
	err := Start(context.Background(), StartOpts{})
	if err == nil {
		t.Fatal("expected error for missing dependencies")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q", err)
	}
}
