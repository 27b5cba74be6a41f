// Package notify relays event log entries to webhooks and Kafka. Delivery is
// at-least-once per sink and never feeds back into the state machine.
package notify

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"atelier/internal/config"
	"atelier/internal/domain"
	"atelier/internal/metrics"

	"go.uber.org/zap"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// EventSource is the read side of the event log.
type EventSource interface {
	EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// Sink delivers one envelope.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, env Envelope) error
}

// Envelope is the wire form of an event.
type Envelope struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func envelopeOf(evt domain.Event) Envelope {
	env := Envelope{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    json.RawMessage("{}"),
	}
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			env.Payload = json.RawMessage(evt.Payload)
		} else {
			env.PayloadRaw = evt.Payload
		}
	}
	return env
}

// Route pairs a sink with the event types it receives. No types means all.
type Route struct {
	Sink   Sink
	Events []string
}

// Relay polls the event log and hands new events to each route. Each route
// keeps its own cursor and stops at the first failed delivery so it retries
// that event on the next tick.
type Relay struct {
	Source   EventSource
	Routes   []Route
	Logger   *zap.Logger
	Interval time.Duration
	// FromStart delivers the existing log instead of starting at its tail.
	FromStart bool

	mu      sync.Mutex
	cursors map[int]int64
}

// New builds a relay for the webhooks and Kafka topic enabled in cfg. It
// returns nil when no sink is configured.
func New(cfg *config.Config, src EventSource, logger *zap.Logger) (*Relay, error) {
	if cfg == nil {
		return nil, nil
	}
	var routes []Route
	for _, hook := range cfg.Webhooks {
		routes = append(routes, Route{Sink: NewWebhookSink(hook), Events: hook.Events})
	}
	if cfg.Kafka.Enabled {
		sink, err := NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return nil, err
		}
		routes = append(routes, Route{Sink: sink})
	}
	if len(routes) == 0 {
		return nil, nil
	}
	return &Relay{Source: src, Routes: routes, Logger: logger}, nil
}

// Close releases sinks that hold connections.
func (r *Relay) Close() error {
	var firstErr error
	for _, route := range r.Routes {
		if c, ok := route.Sink.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Run ticks until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick delivers pending events to every route once.
func (r *Relay) Tick(ctx context.Context) {
	for i, route := range r.Routes {
		r.dispatch(ctx, i, route)
	}
}

func (r *Relay) log() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *Relay) dispatch(ctx context.Context, idx int, route Route) {
	cursor, err := r.cursorFor(ctx, idx)
	if err != nil {
		r.log().Warn("notify: init cursor failed", zap.String("sink", route.Sink.Name()), zap.Error(err))
		return
	}
	evts, err := r.Source.EventsAfter(ctx, defaultBatch, cursor)
	if err != nil {
		r.log().Warn("notify: fetch events failed", zap.Error(err))
		return
	}
	filter := newEventFilter(route.Events)
	for _, evt := range evts {
		if !filter.match(evt.Type) {
			r.setCursor(idx, evt.ID)
			continue
		}
		if err := route.Sink.Deliver(ctx, envelopeOf(evt)); err != nil {
			metrics.NotificationsTotal.WithLabelValues(route.Sink.Name(), metrics.StatusFailure).Inc()
			r.log().Warn("notify: deliver failed",
				zap.String("sink", route.Sink.Name()),
				zap.Int64("event_id", evt.ID),
				zap.Error(err))
			return
		}
		metrics.NotificationsTotal.WithLabelValues(route.Sink.Name(), metrics.StatusSuccess).Inc()
		r.setCursor(idx, evt.ID)
	}
}

func (r *Relay) cursorFor(ctx context.Context, idx int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursors == nil {
		r.cursors = make(map[int]int64)
	}
	if cur, ok := r.cursors[idx]; ok {
		return cur, nil
	}
	var cur int64
	if !r.FromStart {
		var err error
		if cur, err = r.Source.LatestEventID(ctx); err != nil {
			return 0, err
		}
	}
	r.cursors[idx] = cur
	return cur, nil
}

func (r *Relay) setCursor(idx int, value int64) {
	r.mu.Lock()
	r.cursors[idx] = value
	r.mu.Unlock()
}

// Cursor returns the last event id handled by route idx.
func (r *Relay) Cursor(idx int) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursors[idx]
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
