// Package dispatch runs placements and fill handling off the caller's
// goroutine, so neither the price feed nor the watchdog waits on the exchange.
package dispatch

import (
	"context"
	"sync"
	"time"

	"grid-reconciler/internal/gridmanager"
	"grid-reconciler/internal/models"

	"go.uber.org/zap"
)

// EventType defines the type of a dispatched event
type EventType int

const (
	PlaceSlotEvent EventType = iota
	FillEvent
)

func (t EventType) String() string {
	switch t {
	case PlaceSlotEvent:
		return "place_slot"
	case FillEvent:
		return "fill"
	}
	return "unknown"
}

// Event is a unit of work for the dispatcher.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// PlaceSlotData asks for one slot to be placed.
type PlaceSlotData struct {
	Slot models.GridSlot
}

// FillData reports an observed fill.
type FillData struct {
	Fill models.Fill
}

const (
	defaultBufferSize = 1024
	defaultWorkers    = 4
	defaultTimeout    = 15 * time.Second
)

// Dispatcher processes events on a fixed pool of workers.
type Dispatcher struct {
	mgr      *gridmanager.Manager
	events   chan Event
	workers  int
	timeout  time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher sized from the watchdog config.
func NewDispatcher(mgr *gridmanager.Manager, cfg models.WatchdogConfig, logger *zap.Logger) *Dispatcher {
	size := cfg.DispatchBufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	workers := cfg.DispatchWorkerCount
	if workers <= 0 {
		workers = defaultWorkers
	}
	timeout := cfg.PlacementTimeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Dispatcher{
		mgr:      mgr,
		events:   make(chan Event, size),
		workers:  workers,
		timeout:  timeout,
		stopChan: make(chan struct{}),
		logger:   logger.With(zap.String("component", "dispatcher")),
	}
}

// Start launches the workers. Each event runs under a context derived from
// ctx with the placement timeout.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.logger.Info("dispatcher started", zap.Int("workers", d.workers))
}

// Stop shuts the workers down and waits for in-flight events. Queued events
// are dropped; any order they leave pending is settled by the next clean start.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopChan)
		d.wg.Wait()
		if n := len(d.events); n > 0 {
			d.logger.Warn("dispatcher stopped with queued events", zap.Int("dropped", n))
		}
		d.logger.Info("dispatcher stopped")
	})
}

// Dispatch enqueues an event, waiting for buffer space unless the dispatcher
// is stopping.
func (d *Dispatcher) Dispatch(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case <-d.stopChan:
		d.logger.Debug("event dropped after stop", zap.Stringer("type", event.Type))
		return
	default:
	}
	select {
	case d.events <- event:
	case <-d.stopChan:
		d.logger.Debug("event dropped after stop", zap.Stringer("type", event.Type))
	}
}

// SchedulePlacement queues a slot for placement.
func (d *Dispatcher) SchedulePlacement(slot models.GridSlot) {
	d.Dispatch(Event{Type: PlaceSlotEvent, Data: PlaceSlotData{Slot: slot}})
}

// RecordFill queues a fill; its replacement is placed by the same worker.
func (d *Dispatcher) RecordFill(fill models.Fill) {
	d.Dispatch(Event{Type: FillEvent, Data: FillData{Fill: fill}})
}

// Queued returns the number of events waiting for a worker.
func (d *Dispatcher) Queued() int { return len(d.events) }

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopChan:
			return
		case <-ctx.Done():
			return
		case event := <-d.events:
			d.processEvent(ctx, event)
		}
	}
}

func (d *Dispatcher) processEvent(parent context.Context, event Event) {
	ctx, cancel := context.WithTimeout(parent, d.timeout)
	defer cancel()

	switch event.Type {
	case PlaceSlotEvent:
		data, ok := event.Data.(PlaceSlotData)
		if !ok {
			d.logger.Sugar().Warnf("Received PlaceSlotEvent with unexpected data type: %T", event.Data)
			return
		}
		d.place(ctx, data.Slot)

	case FillEvent:
		data, ok := event.Data.(FillData)
		if !ok {
			d.logger.Sugar().Warnf("Received FillEvent with unexpected data type: %T", event.Data)
			return
		}
		_, next, err := d.mgr.RecordFill(ctx, data.Fill)
		if err != nil {
			d.logger.Error("recording fill failed", zap.String("slot", data.Fill.SlotID), zap.Error(err))
			return
		}
		if next != nil {
			d.place(ctx, *next)
		}
	}
}

func (d *Dispatcher) place(ctx context.Context, slot models.GridSlot) {
	if err := d.mgr.PlaceSlot(ctx, slot); err != nil {
		d.logger.Warn("placement failed", zap.String("slot", slot.ID), zap.Error(err))
	}
}
