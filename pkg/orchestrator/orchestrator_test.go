package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/statecraftio/statecraft/pkg/statechart"
)

func loadMachine(t *testing.T, doc string) *statechart.Machine {
	t.Helper()
	m, err := statechart.Load([]byte(doc))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return m
}

func TestOrchestrator_StartMachineGeneratesID(t *testing.T) {
	m := loadMachine(t, `{"id":"m","initial":"a","states":{"a":{}}}`)
	o := New(statechart.NewRegistry(), Config{})
	o.RegisterTemplate("m", m)

	id, err := o.StartMachine(context.Background(), "m", "")
	if err != nil {
		t.Fatalf("StartMachine() error = %v", err)
	}
	if id == "" {
		t.Fatal("StartMachine() with empty id should generate one")
	}
	if _, ok := o.Actor(id); !ok {
		t.Fatalf("Actor(%q) not found after StartMachine", id)
	}
}

func TestOrchestrator_StartMachineUnknownTemplate(t *testing.T) {
	o := New(statechart.NewRegistry(), Config{})
	_, err := o.StartMachine(context.Background(), "nope", "")
	if err == nil {
		t.Fatal("StartMachine() with unknown template should fail")
	}
	se, ok := err.(*statechart.Error)
	if !ok || se.Code != statechart.CodeNotFound {
		t.Fatalf("error = %v, want CodeNotFound", err)
	}
}

func TestOrchestrator_DispatchUnknownMachine(t *testing.T) {
	o := New(statechart.NewRegistry(), Config{})
	_, err := o.Dispatch(context.Background(), "nope", "GO", nil)
	if err == nil {
		t.Fatal("Dispatch() against an unregistered machine should fail")
	}
	se, ok := err.(*statechart.Error)
	if !ok || se.Code != statechart.CodeNotFound {
		t.Fatalf("error = %v, want CodeNotFound", err)
	}
}

func TestOrchestrator_SendStrictUnknownTarget(t *testing.T) {
	o := New(statechart.NewRegistry(), Config{UnknownTarget: Strict})
	err := o.Send("ghost", "PING", nil)
	if err == nil {
		t.Fatal("Send() to an unknown target should fail in Strict mode")
	}
	se, ok := err.(*statechart.Error)
	if !ok || se.Code != statechart.CodeUnknownTarget {
		t.Fatalf("error = %v, want CodeUnknownTarget", err)
	}
}

func TestOrchestrator_SendBestEffortUnknownTarget(t *testing.T) {
	o := New(statechart.NewRegistry(), Config{UnknownTarget: BestEffort})
	if err := o.Send("ghost", "PING", nil); err != nil {
		t.Fatalf("Send() in BestEffort mode should drop silently, got %v", err)
	}
}

func TestOrchestrator_SpawnAndStop(t *testing.T) {
	m := loadMachine(t, `{"id":"m","initial":"a","states":{"a":{}}}`)
	o := New(statechart.NewRegistry(), Config{})
	o.RegisterTemplate("m", m)

	id, err := o.Spawn("m", "child-1")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if id != "child-1" {
		t.Fatalf("Spawn() id = %q, want %q", id, "child-1")
	}
	if _, ok := o.Actor("child-1"); !ok {
		t.Fatal("spawned actor not registered")
	}

	if err := o.Stop("child-1"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, ok := o.Actor("child-1"); ok {
		t.Fatal("actor still registered after Stop()")
	}
	if err := o.Stop("child-1"); err == nil {
		t.Fatal("Stop() on an already-stopped machine should fail")
	}
}

func TestOrchestrator_DuplicateIDRejected(t *testing.T) {
	m := loadMachine(t, `{"id":"m","initial":"a","states":{"a":{}}}`)
	o := New(statechart.NewRegistry(), Config{})
	o.RegisterTemplate("m", m)

	if _, err := o.StartMachine(context.Background(), "m", "fixed"); err != nil {
		t.Fatalf("StartMachine() error = %v", err)
	}
	if _, err := o.StartMachine(context.Background(), "m", "fixed"); err == nil {
		t.Fatal("StartMachine() with a duplicate id should fail")
	}
}

// A `send` action routed through the Orchestrator reaches the target
// machine's own mailbox, proving the Sender wiring end to end.
func TestOrchestrator_RoutesSendBetweenMachines(t *testing.T) {
	sender := loadMachine(t, `{
		"id": "sender",
		"initial": "a",
		"states": {
			"a": {
				"on": {
					"GO": {
						"target": "a",
						"internal": true,
						"actions": [{"send": {"event": "PING", "target": "receiver"}}]
					}
				}
			}
		}
	}`)
	receiver := loadMachine(t, `{
		"id": "receiver",
		"initial": "waiting",
		"states": {
			"waiting": {"on": {"PING": "pinged"}},
			"pinged": {"type": "final"}
		}
	}`)

	o := New(statechart.NewRegistry(), Config{})
	o.RegisterTemplate("sender", sender)
	o.RegisterTemplate("receiver", receiver)

	ctx := context.Background()
	if _, err := o.StartMachine(ctx, "receiver", "receiver"); err != nil {
		t.Fatalf("StartMachine(receiver) error = %v", err)
	}
	if _, err := o.StartMachine(ctx, "sender", "sender"); err != nil {
		t.Fatalf("StartMachine(sender) error = %v", err)
	}

	if _, err := o.Dispatch(ctx, "sender", "GO", nil); err != nil {
		t.Fatalf("Dispatch(GO) error = %v", err)
	}

	deadline := time.After(500 * time.Millisecond)
	for {
		a, _ := o.Actor("receiver")
		if !a.Snapshot().IsRunning() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("receiver never observed the routed PING")
		case <-time.After(5 * time.Millisecond):
		}
	}
	a, _ := o.Actor("receiver")
	if snap := a.Snapshot(); snap.CurrentState != "receiver.pinged" {
		t.Errorf("receiver CurrentState = %q, want %q", snap.CurrentState, "receiver.pinged")
	}
}

func TestOrchestrator_ShutdownStopsEveryMachine(t *testing.T) {
	m := loadMachine(t, `{"id":"m","initial":"a","states":{"a":{}}}`)
	o := New(statechart.NewRegistry(), Config{})
	o.RegisterTemplate("m", m)
	for _, id := range []string{"x", "y", "z"} {
		if _, err := o.StartMachine(context.Background(), "m", id); err != nil {
			t.Fatalf("StartMachine(%s) error = %v", id, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if got := len(o.Machines()); got != 0 {
		t.Errorf("Machines() after Shutdown() = %d, want 0", got)
	}
}
