package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/seawatts/cove/internal/model"
)

// fakeRemote is a minimal PostgREST-shaped server backing client tests.
type fakeRemote struct {
	mu       sync.Mutex
	commands []model.Command
	claims   []string
	history    int
	states     int
	hubPatches []map[string]any
	fail       bool
	failStates bool
	failHubs   bool
}

func (f *fakeRemote) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/rest/v1/commands", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch r.Method {
		case http.MethodGet:
			if r.URL.Query().Get("status") != "eq.pending" {
				http.Error(w, "missing status filter", http.StatusBadRequest)
				return
			}
			var pending []model.Command
			for _, c := range f.commands {
				if c.Status == model.StatusPending {
					pending = append(pending, c)
				}
			}
			json.NewEncoder(w).Encode(pending)

		case http.MethodPatch:
			id := r.URL.Query().Get("id")
			statusFilter := r.URL.Query().Get("status")
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)

			var updated []model.Command
			for i := range f.commands {
				c := &f.commands[i]
				if "eq."+c.ID != id {
					continue
				}
				if statusFilter != "" && "eq."+string(c.Status) != statusFilter {
					continue
				}
				c.Status = model.CommandStatus(body["status"].(string))
				if c.Status == model.StatusProcessing {
					f.claims = append(f.claims, c.ID)
				}
				updated = append(updated, *c)
			}
			if updated == nil {
				updated = []model.Command{}
			}
			json.NewEncoder(w).Encode(updated)
		}
	})

	mux.HandleFunc("/rest/v1/entity_state_history", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.fail {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		var records []HistoryRecord
		json.NewDecoder(r.Body).Decode(&records)
		f.history += len(records)
		w.WriteHeader(http.StatusCreated)
	})

	mux.HandleFunc("/rest/v1/entity_state", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failStates {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		var states []model.EntityState
		json.NewDecoder(r.Body).Decode(&states)
		f.states += len(states)
		w.WriteHeader(http.StatusCreated)
	})

	mux.HandleFunc("/rest/v1/hubs", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failHubs {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		if r.Method == http.MethodPatch {
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			f.hubPatches = append(f.hubPatches, body)
		}
		w.WriteHeader(http.StatusCreated)
	})

	mux.HandleFunc("/rest/v1/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	return mux
}

func newFakeRemote(t *testing.T) (*fakeRemote, *Client) {
	t.Helper()
	f := &fakeRemote{}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return f, NewClient(srv.URL, "test-key")
}

func TestPendingCommands(t *testing.T) {
	f, c := newFakeRemote(t)
	f.commands = []model.Command{
		{ID: "a", Status: model.StatusPending, CreatedAt: time.Now().Add(-2 * time.Second)},
		{ID: "b", Status: model.StatusCompleted},
		{ID: "c", Status: model.StatusPending, CreatedAt: time.Now()},
	}

	cmds, err := c.PendingCommands(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(cmds) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(cmds))
	}
}

func TestClaimCommandConditional(t *testing.T) {
	f, c := newFakeRemote(t)
	f.commands = []model.Command{{ID: "a", Status: model.StatusPending}}

	ok, err := c.ClaimCommand(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("first claim should win")
	}

	// Second claim finds no pending row.
	ok, err = c.ClaimCommand(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("second claim should lose")
	}

	if len(f.claims) != 1 {
		t.Errorf("expected exactly one claim, got %d", len(f.claims))
	}
}

func TestFinishCommand(t *testing.T) {
	f, c := newFakeRemote(t)
	f.commands = []model.Command{{ID: "a", Status: model.StatusProcessing}}

	if err := c.FinishCommand(context.Background(), "a", model.StatusFailed, "device unreachable"); err != nil {
		t.Fatal(err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commands[0].Status != model.StatusFailed {
		t.Errorf("status not written: %s", f.commands[0].Status)
	}
}

func TestHeartbeatMarksOnline(t *testing.T) {
	f, c := newFakeRemote(t)

	if err := c.Heartbeat(context.Background(), "hub-1"); err != nil {
		t.Fatal(err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.hubPatches) != 1 {
		t.Fatalf("expected 1 hub update, got %d", len(f.hubPatches))
	}
	if f.hubPatches[0]["online"] != true {
		t.Errorf("heartbeat must set online: %v", f.hubPatches[0])
	}
	if _, ok := f.hubPatches[0]["last_seen"]; !ok {
		t.Error("heartbeat must refresh last_seen")
	}
}

func TestMarkOffline(t *testing.T) {
	f, c := newFakeRemote(t)

	if err := c.MarkOffline(context.Background(), "hub-1"); err != nil {
		t.Fatal(err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.hubPatches) != 1 {
		t.Fatalf("expected 1 hub update, got %d", len(f.hubPatches))
	}
	if f.hubPatches[0]["online"] != false {
		t.Errorf("shutdown must clear online: %v", f.hubPatches[0])
	}
}

func TestWriteErrorsAreCategorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k")
	err := c.UpsertDevices(context.Background(), []model.Device{{ID: "d"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if model.CategoryOf(err) != model.CategoryPersistence {
		t.Errorf("wrong category: %s", model.CategoryOf(err))
	}
}
