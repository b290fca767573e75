package adapter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seawatts/cove/internal/model"
)

func brightnessCmd(id string, value float64) model.Command {
	return model.Command{
		ID:         id,
		DeviceID:   "dev-1",
		EntityID:   "ent-1",
		Capability: model.CapBrightness,
		Value:      value,
	}
}

func TestDispatcherRunsInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	block := make(chan struct{})
	d := NewDispatcher(func(ctx context.Context, cmd model.Command) error {
		<-block
		mu.Lock()
		order = append(order, cmd.ID)
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(3)
	done := func(Outcome) { wg.Done() }

	cmds := []model.Command{
		{ID: "a", EntityID: "e1", Capability: model.CapOnOff, Value: true},
		{ID: "b", EntityID: "e1", Capability: model.CapOnOff, Value: false},
		{ID: "c", EntityID: "e1", Capability: model.CapOnOff, Value: true},
	}
	for _, c := range cmds {
		d.Dispatch(context.Background(), c, done)
	}
	close(block)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("wrong execution order: %v", order)
	}
}

func TestDispatcherCoalescesScrubbable(t *testing.T) {
	block := make(chan struct{})
	var executed []model.Command
	var mu sync.Mutex

	d := NewDispatcher(func(ctx context.Context, cmd model.Command) error {
		<-block
		mu.Lock()
		executed = append(executed, cmd)
		mu.Unlock()
		return nil
	})

	type result struct {
		id  string
		out Outcome
	}
	results := make(chan result, 4)
	done := func(id string) func(Outcome) {
		return func(o Outcome) { results <- result{id, o} }
	}

	// First command starts executing (blocked); the next three queue and
	// should collapse to the last value.
	d.Dispatch(context.Background(), brightnessCmd("a", 0.1), done("a"))
	time.Sleep(50 * time.Millisecond) // let the worker pick up "a"
	d.Dispatch(context.Background(), brightnessCmd("b", 0.3), done("b"))
	d.Dispatch(context.Background(), brightnessCmd("c", 0.5), done("c"))
	d.Dispatch(context.Background(), brightnessCmd("d", 0.9), done("d"))
	close(block)

	got := make(map[string]Outcome)
	for i := 0; i < 4; i++ {
		select {
		case r := <-results:
			got[r.id] = r.out
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for outcomes")
		}
	}

	if got["a"].Coalesced || got["a"].Err != nil {
		t.Errorf("running command must not be coalesced: %+v", got["a"])
	}
	if !got["b"].Coalesced || !got["c"].Coalesced {
		t.Errorf("intermediate values should coalesce: b=%+v c=%+v", got["b"], got["c"])
	}
	if got["d"].Coalesced || got["d"].Err != nil {
		t.Errorf("final value must execute: %+v", got["d"])
	}

	mu.Lock()
	defer mu.Unlock()
	if len(executed) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(executed))
	}
	if executed[1].Value != 0.9 {
		t.Errorf("device should see the newest value, got %v", executed[1].Value)
	}
}

func TestDispatcherDoesNotCoalesceDiscrete(t *testing.T) {
	block := make(chan struct{})
	var count atomic.Int32

	d := NewDispatcher(func(ctx context.Context, cmd model.Command) error {
		<-block
		count.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(3)
	done := func(o Outcome) {
		if o.Coalesced {
			t.Error("on_off must never coalesce")
		}
		wg.Done()
	}

	for i, id := range []string{"a", "b", "c"} {
		d.Dispatch(context.Background(), model.Command{
			ID: id, EntityID: "e1", Capability: model.CapOnOff, Value: i%2 == 0,
		}, done)
	}
	close(block)
	wg.Wait()

	if n := count.Load(); n != 3 {
		t.Fatalf("expected 3 executions, got %d", n)
	}
}

func TestDispatcherEntitiesIndependent(t *testing.T) {
	e1Blocked := make(chan struct{})
	e2Done := make(chan struct{})

	d := NewDispatcher(func(ctx context.Context, cmd model.Command) error {
		if cmd.EntityID == "e1" {
			<-e1Blocked
		} else {
			close(e2Done)
		}
		return nil
	})

	d.Dispatch(context.Background(), model.Command{ID: "a", EntityID: "e1", Capability: model.CapOnOff}, func(Outcome) {})
	d.Dispatch(context.Background(), model.Command{ID: "b", EntityID: "e2", Capability: model.CapOnOff}, func(Outcome) {})

	select {
	case <-e2Done:
	case <-time.After(2 * time.Second):
		t.Fatal("a stalled entity blocked another entity's queue")
	}
	close(e1Blocked)
	d.Close()
}

func TestDispatcherCloseRejectsNew(t *testing.T) {
	d := NewDispatcher(func(ctx context.Context, cmd model.Command) error { return nil })
	d.Close()

	got := make(chan Outcome, 1)
	d.Dispatch(context.Background(), brightnessCmd("a", 0.5), func(o Outcome) { got <- o })

	select {
	case o := <-got:
		if o.Err == nil {
			t.Fatal("dispatch after close should fail")
		}
	case <-time.After(time.Second):
		t.Fatal("no outcome delivered")
	}
}
