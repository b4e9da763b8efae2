package statechart

import (
	"fmt"
	"sync"

	"github.com/statecraftio/statecraft/pkg/core"
)

// LoggingObserver logs every transition and error through a core.Logger.
type LoggingObserver struct {
	logger core.Logger
}

func NewLoggingObserver(logger core.Logger) *LoggingObserver {
	return &LoggingObserver{logger: logger}
}

func (o *LoggingObserver) OnTransition(sc StateChanged) {
	o.logger.Infof("machine %s: %v -> %v (event: %s)", sc.MachineID, sc.From, sc.To, sc.Event)
}

func (o *LoggingObserver) OnError(machineID string, err error) {
	o.logger.Errorf("machine %s: %v", machineID, err)
}

// MetricsObserver accumulates in-process transition/error counters. See
// PrometheusObserver in observer_prometheus.go for the Prometheus-backed
// Observer.
type MetricsObserver struct {
	mu              sync.Mutex
	transitionCount map[string]int // machineID:event -> count
	errorCount      map[string]int // machineID -> count
}

func NewMetricsObserver() *MetricsObserver {
	return &MetricsObserver{
		transitionCount: make(map[string]int),
		errorCount:      make(map[string]int),
	}
}

func (o *MetricsObserver) OnTransition(sc StateChanged) {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := fmt.Sprintf("%s:%s", sc.MachineID, sc.Event)
	o.transitionCount[key]++
}

func (o *MetricsObserver) OnError(machineID string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errorCount[machineID]++
}

func (o *MetricsObserver) Snapshot() (transitions map[string]int, errors map[string]int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	transitions = make(map[string]int, len(o.transitionCount))
	for k, v := range o.transitionCount {
		transitions[k] = v
	}
	errors = make(map[string]int, len(o.errorCount))
	for k, v := range o.errorCount {
		errors[k] = v
	}
	return transitions, errors
}

// EventBusObserver republishes every transition/error onto the event bus
// under "<prefix>.transition" / "<prefix>.error", for any other verticle
// that wants to watch machines without coupling to this package.
type EventBusObserver struct {
	eventBus core.EventBus
	prefix   string
}

func NewEventBusObserver(eventBus core.EventBus, prefix string) *EventBusObserver {
	return &EventBusObserver{eventBus: eventBus, prefix: prefix}
}

func (o *EventBusObserver) OnTransition(sc StateChanged) {
	_ = o.eventBus.Publish(o.prefix+".transition", map[string]interface{}{
		"machineId": sc.MachineID,
		"from":      sc.From,
		"to":        sc.To,
		"event":     sc.Event,
	})
}

func (o *EventBusObserver) OnError(machineID string, err error) {
	_ = o.eventBus.Publish(o.prefix+".error", map[string]interface{}{
		"machineId": machineID,
		"error":     err.Error(),
	})
}

// ChainObserver fans a transition/error out to every observer in order.
type ChainObserver struct {
	observers []Observer
}

func NewChainObserver(observers ...Observer) *ChainObserver {
	return &ChainObserver{observers: observers}
}

func (o *ChainObserver) OnTransition(sc StateChanged) {
	for _, observer := range o.observers {
		observer.OnTransition(sc)
	}
}

func (o *ChainObserver) OnError(machineID string, err error) {
	for _, observer := range o.observers {
		observer.OnError(machineID, err)
	}
}
