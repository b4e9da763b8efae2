package statechart

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/statecraftio/statecraft/pkg/core"
)

// PersistenceProvider saves and restores a StateSnapshot keyed by machine
// ID. Disk-backed persistence is out of scope; the two adapters below
// cover in-process recovery and delegation to an external service over
// the event bus (§2).
type PersistenceProvider interface {
	Save(ctx context.Context, machineID string, snapshot StateSnapshot) error
	Load(ctx context.Context, machineID string) (StateSnapshot, bool, error)
	Delete(ctx context.Context, machineID string) error
}

// MemoryPersistenceAdapter keeps the last snapshot per machine in process
// memory. It survives a machine restart within the same process but not a
// process restart.
type MemoryPersistenceAdapter struct {
	mu   sync.RWMutex
	data map[string]StateSnapshot
}

func NewMemoryPersistenceAdapter() *MemoryPersistenceAdapter {
	return &MemoryPersistenceAdapter{data: make(map[string]StateSnapshot)}
}

func (m *MemoryPersistenceAdapter) Save(ctx context.Context, machineID string, snapshot StateSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[machineID] = snapshot
	return nil
}

func (m *MemoryPersistenceAdapter) Load(ctx context.Context, machineID string) (StateSnapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.data[machineID]
	return s, ok, nil
}

func (m *MemoryPersistenceAdapter) Delete(ctx context.Context, machineID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, machineID)
	return nil
}

// EventBusPersistenceAdapter delegates persistence to whatever consumer is
// registered at address over the event bus, request/reply style — the
// same pattern the teacher verticle uses for every other cross-verticle
// call in this codebase.
type EventBusPersistenceAdapter struct {
	eventBus core.EventBus
	address  string
	timeout  time.Duration
}

func NewEventBusPersistenceAdapter(eventBus core.EventBus, address string) *EventBusPersistenceAdapter {
	return &EventBusPersistenceAdapter{eventBus: eventBus, address: address, timeout: 5 * time.Second}
}

func (e *EventBusPersistenceAdapter) Save(ctx context.Context, machineID string, snapshot StateSnapshot) error {
	body, err := json.Marshal(encodeSnapshot(snapshot))
	if err != nil {
		return err
	}
	_, err = e.eventBus.Request(e.address, map[string]interface{}{
		"operation": "save",
		"machineId": machineID,
		"snapshot":  json.RawMessage(body),
	}, e.timeout)
	return err
}

func (e *EventBusPersistenceAdapter) Load(ctx context.Context, machineID string) (StateSnapshot, bool, error) {
	msg, err := e.eventBus.Request(e.address, map[string]interface{}{
		"operation": "load",
		"machineId": machineID,
	}, e.timeout)
	if err != nil {
		return StateSnapshot{}, false, err
	}
	resp, ok := msg.Body().(map[string]interface{})
	if !ok {
		return StateSnapshot{}, false, fmt.Errorf("statechart: invalid persistence response format")
	}
	found, _ := resp["found"].(bool)
	if !found {
		return StateSnapshot{}, false, nil
	}
	raw, err := json.Marshal(resp["snapshot"])
	if err != nil {
		return StateSnapshot{}, false, err
	}
	var enc encodedSnapshot
	if err := json.Unmarshal(raw, &enc); err != nil {
		return StateSnapshot{}, false, err
	}
	return decodeSnapshot(enc), true, nil
}

func (e *EventBusPersistenceAdapter) Delete(ctx context.Context, machineID string) error {
	_, err := e.eventBus.Request(e.address, map[string]interface{}{
		"operation": "delete",
		"machineId": machineID,
	}, e.timeout)
	return err
}

// encodedSnapshot is the JSON wire shape for a StateSnapshot; Value
// already knows how to marshal/unmarshal itself.
type encodedSnapshot struct {
	MachineID    string                       `json:"machineId"`
	CurrentState string                       `json:"currentState"`
	Context      map[string]Value             `json:"context"`
	Meta         map[string]map[string]Value  `json:"meta,omitempty"`
	Tags         map[string]bool              `json:"tags,omitempty"`
	Description  string                       `json:"description,omitempty"`
	Output       map[string]Value             `json:"output,omitempty"`
	Status       string                       `json:"status"`
}

func encodeSnapshot(s StateSnapshot) encodedSnapshot {
	return encodedSnapshot{
		MachineID:    s.MachineID,
		CurrentState: s.CurrentState,
		Context:      s.Context,
		Meta:         s.Meta,
		Tags:         s.Tags,
		Description:  s.Description,
		Output:       s.Output,
		Status:       s.Status.String(),
	}
}

func decodeSnapshot(enc encodedSnapshot) StateSnapshot {
	status := StatusActive
	if enc.Status == "done" {
		status = StatusDone
	}
	return StateSnapshot{
		MachineID:    enc.MachineID,
		CurrentState: enc.CurrentState,
		Context:      enc.Context,
		Meta:         enc.Meta,
		Tags:         enc.Tags,
		Description:  enc.Description,
		Output:       enc.Output,
		Status:       status,
	}
}
