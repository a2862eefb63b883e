package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/calloway/waypoint/internal/models"
)

// Call records one invocation against the Mock.
type Call struct {
	Method         string // "create", "update", "delete", "fetch", "list"
	EntityType     models.EntityType
	ID             string // entity id, or idempotency key for creates
	Payload        string
	IdempotencyKey string
}

// Mock implements Gateway for testing. Responses are scripted per
// method+id; every invocation is recorded.
type Mock struct {
	mu    sync.Mutex
	calls []Call

	// CreateFn, when set, overrides the scripted create response.
	CreateFn func(t models.EntityType, idempotencyKey string, payload []byte) ([]byte, error)
	// UpdateFn, when set, overrides the scripted update response.
	UpdateFn func(t models.EntityType, id string, payload []byte) ([]byte, error)
	// DeleteFn, when set, overrides the scripted delete response.
	DeleteFn func(t models.EntityType, id string) error
	// FetchFn, when set, overrides the scripted fetch response.
	FetchFn func(t models.EntityType, id string) ([]byte, error)
	// ListFn, when set, overrides the scripted list response.
	ListFn func(t models.EntityType, parentID string) ([][]byte, error)
}

// NewMock creates an empty Mock. Unscripted calls fail terminally with
// a 404 so tests notice unexpected traffic.
func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) record(c Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
}

// Calls returns a copy of all recorded invocations.
func (m *Mock) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsTo returns recorded invocations of one method.
func (m *Mock) CallsTo(method string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Create implements Gateway.
func (m *Mock) Create(ctx context.Context, t models.EntityType, idempotencyKey string, payload []byte) ([]byte, error) {
	m.record(Call{Method: "create", EntityType: t, ID: idempotencyKey, Payload: string(payload), IdempotencyKey: idempotencyKey})
	if m.CreateFn != nil {
		return m.CreateFn(t, idempotencyKey, payload)
	}
	return nil, &APIError{Status: 404, Message: fmt.Sprintf("mock: create %s not scripted", t)}
}

// Update implements Gateway.
func (m *Mock) Update(ctx context.Context, t models.EntityType, id string, payload []byte) ([]byte, error) {
	m.record(Call{Method: "update", EntityType: t, ID: id, Payload: string(payload)})
	if m.UpdateFn != nil {
		return m.UpdateFn(t, id, payload)
	}
	return nil, &APIError{Status: 404, Message: fmt.Sprintf("mock: update %s/%s not scripted", t, id)}
}

// Delete implements Gateway.
func (m *Mock) Delete(ctx context.Context, t models.EntityType, id string) error {
	m.record(Call{Method: "delete", EntityType: t, ID: id})
	if m.DeleteFn != nil {
		return m.DeleteFn(t, id)
	}
	return &APIError{Status: 404, Message: fmt.Sprintf("mock: delete %s/%s not scripted", t, id)}
}

// Fetch implements Gateway.
func (m *Mock) Fetch(ctx context.Context, t models.EntityType, id string) ([]byte, error) {
	m.record(Call{Method: "fetch", EntityType: t, ID: id})
	if m.FetchFn != nil {
		return m.FetchFn(t, id)
	}
	return nil, &APIError{Status: 404, Message: fmt.Sprintf("mock: fetch %s/%s not scripted", t, id)}
}

// ListByParent implements Gateway.
func (m *Mock) ListByParent(ctx context.Context, t models.EntityType, parentID string) ([][]byte, error) {
	m.record(Call{Method: "list", EntityType: t, ID: parentID})
	if m.ListFn != nil {
		return m.ListFn(t, parentID)
	}
	return nil, nil
}
