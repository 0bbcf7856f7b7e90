// Package engine turns named actions into chronicle transitions: a
// registry-driven dispatcher with history, policies, rules and an optional
// acceleration worker.
package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/flammafex/hypertoken/internal/chronicle"
	"github.com/flammafex/hypertoken/internal/deck"
	"github.com/flammafex/hypertoken/internal/hterr"
	"github.com/flammafex/hypertoken/internal/logging"
	"github.com/flammafex/hypertoken/internal/monitoring"
)

// RecordMeta annotates a history entry.
type RecordMeta struct {
	Timestamp int64  `json:"timestamp"`
	Origin    string `json:"origin"`
	Version   int64  `json:"version"`
}

// ActionRecord is one committed dispatch.
type ActionRecord struct {
	Seq     int64          `json:"seq"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
	Meta    RecordMeta     `json:"meta"`
}

// Policy is evaluated after each successful action. Policies may dispatch
// further actions; recursion is bounded by the engine's depth guard.
type Policy struct {
	Name     string
	Evaluate func(e *Engine, last ActionRecord) error
}

// BeforeHook can reject a dispatch before the handler runs.
type BeforeHook func(actionType string, payload map[string]any) error

// Options configures an engine.
type Options struct {
	Origin      string
	HistorySize int
	MaxDepth    int
	Logger      *logging.Logger
	Metrics     *monitoring.Metrics
	Tracer      trace.Tracer
}

const (
	defaultHistorySize = 1000
	defaultMaxDepth    = 8
)

// Engine orchestrates dispatches over one chronicle.
type Engine struct {
	chron    *chronicle.Chronicle
	registry *Registry
	rules    *RuleEngine
	bus      *Bus

	log     *logging.Logger
	metrics *monitoring.Metrics
	tracer  trace.Tracer

	space  *deck.Space
	agents *deck.Agents

	mu          sync.Mutex
	history     []ActionRecord
	historySize int
	nextSeq     int64
	policies    []Policy
	before      []BeforeHook
	maxDepth    int
	depth       int
	halted      bool
	worker      *Worker
	stacks      map[string]*deck.Stack
	sources     map[string]*deck.Source
}

// New creates an engine over a fresh chronicle.
func New(opts Options) *Engine {
	if opts.Origin == "" {
		opts.Origin = "local"
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = defaultMaxDepth
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	chron := chronicle.New(opts.Origin)
	e := &Engine{
		chron:       chron,
		registry:    NewRegistry(),
		rules:       NewRuleEngine(),
		bus:         &Bus{},
		log:         opts.Logger,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		space:       deck.NewSpace(chron),
		agents:      deck.NewAgents(chron),
		historySize: opts.HistorySize,
		maxDepth:    opts.MaxDepth,
		stacks:      make(map[string]*deck.Stack),
		sources:     make(map[string]*deck.Source),
	}
	registerBuiltins(e)
	return e
}

// Chronicle exposes the underlying document.
func (e *Engine) Chronicle() *chronicle.Chronicle { return e.chron }

// Registry exposes the action registry for extension handlers.
func (e *Engine) Registry() *Registry { return e.registry }

// Rules exposes the attached rule engine.
func (e *Engine) Rules() *RuleEngine { return e.rules }

// Events exposes the observer bus.
func (e *Engine) Events() *Bus { return e.bus }

// Space returns the engine's zoned board.
func (e *Engine) Space() *deck.Space { return e.space }

// Agents returns the engine's agent roster.
func (e *Engine) Agents() *deck.Agents { return e.agents }

// Stack returns (binding on first use) a named stack.
func (e *Engine) Stack(name string) (*deck.Stack, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.stacks[name]; ok {
		return s, nil
	}
	s, err := deck.NewStack(e.chron, name)
	if err != nil {
		return nil, err
	}
	e.stacks[name] = s
	return s, nil
}

// BindSource registers a source for source:* actions.
func (e *Engine) BindSource(name string, src *deck.Source) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources[name] = src
}

// Source returns a bound source.
func (e *Engine) Source(name string) (*deck.Source, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	src, ok := e.sources[name]
	if !ok {
		return nil, hterr.Newf(hterr.KindUnknownAction, "no source %q bound", name)
	}
	return src, nil
}

// AddPolicy appends a post-action policy. Policies run in insertion order.
func (e *Engine) AddPolicy(p Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies = append(e.policies, p)
}

// BeforeDispatch appends a validation hook.
func (e *Engine) BeforeDispatch(h BeforeHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.before = append(e.before, h)
}

// State returns the current document snapshot.
func (e *Engine) State() map[string]any { return e.chron.State() }

// Halt stops the dispatch loop after an invariant violation. Only restoring
// from a snapshot clears it.
func (e *Engine) Halt(reason string) {
	e.mu.Lock()
	e.halted = true
	e.mu.Unlock()
	e.log.Error("engine halted", zap.String("reason", reason))
	e.bus.Publish(Event{Type: EventHalted, Payload: reason})
}

// Dispatch resolves and runs an action synchronously, committing a history
// entry and driving policies and rules.
func (e *Engine) Dispatch(actionType string, payload map[string]any) (any, error) {
	e.mu.Lock()
	if e.halted {
		e.mu.Unlock()
		return nil, hterr.New(hterr.KindInternalInvariantBroken, "engine is halted")
	}
	if e.depth >= e.maxDepth {
		e.mu.Unlock()
		err := hterr.Newf(hterr.KindPolicyLoop, "dispatch depth exceeded %d", e.maxDepth)
		e.bus.Publish(Event{Type: EventError, Payload: err})
		return nil, err
	}
	e.depth++
	before := append([]BeforeHook(nil), e.before...)
	policies := append([]Policy(nil), e.policies...)
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.depth--
		e.mu.Unlock()
	}()

	started := time.Now()
	var span trace.Span
	if e.tracer != nil {
		_, span = e.tracer.Start(context.Background(), "engine.dispatch")
		defer span.End()
	}

	handler, err := e.registry.Resolve(actionType)
	if err != nil {
		e.emitError(actionType, err)
		return nil, err
	}

	for _, hook := range before {
		if herr := hook(actionType, payload); herr != nil {
			err := hterr.Wrap(hterr.KindRejected, actionType, herr)
			e.emitError(actionType, err)
			return nil, err
		}
	}

	result, err := handler(e, payload)
	if err != nil {
		e.emitError(actionType, err)
		return nil, err
	}

	record := e.commit(actionType, payload)
	e.bus.Publish(Event{Type: EventAction, Payload: record})
	if e.metrics != nil {
		e.metrics.ActionsDispatched.Inc()
		e.metrics.DispatchDuration.Observe(time.Since(started).Seconds())
	}

	for _, p := range policies {
		if perr := p.Evaluate(e, record); perr != nil {
			e.emitError(actionType, perr)
			return nil, perr
		}
	}

	if name, rerr := e.rules.Run(e, record); rerr != nil {
		e.log.Warn("rule effect failed", zap.String("rule", name), zap.Error(rerr))
		e.bus.Publish(Event{Type: EventRuleError, Payload: rerr})
	}

	return result, nil
}

func (e *Engine) commit(actionType string, payload map[string]any) ActionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextSeq++
	// keep the payload in document form so a restored history compares equal
	if norm, err := chronicle.Encode(payload); err == nil {
		payload, _ = norm.(map[string]any)
	}
	record := ActionRecord{
		Seq:     e.nextSeq,
		Type:    actionType,
		Payload: payload,
		Meta: RecordMeta{
			Timestamp: time.Now().UnixMilli(),
			Origin:    e.chron.Origin(),
			Version:   e.chron.Clock()[e.chron.Origin()],
		},
	}
	e.history = append(e.history, record)
	if len(e.history) > e.historySize {
		e.history = e.history[len(e.history)-e.historySize:]
	}
	if e.metrics != nil {
		e.metrics.HistoryLength.Set(float64(len(e.history)))
	}
	return record
}

func (e *Engine) emitError(actionType string, err error) {
	e.log.Warn("dispatch failed", zap.String("type", actionType), zap.Error(err))
	e.bus.Publish(Event{Type: EventError, Payload: err})
	if e.metrics != nil {
		e.metrics.ErrorCount.Inc()
	}
	if hterr.KindOf(err) == hterr.KindInternalInvariantBroken {
		e.Halt(err.Error())
	}
}

// History returns a copy of the retained records.
func (e *Engine) History() []ActionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ActionRecord(nil), e.history...)
}

// HistorySince returns records with Seq > from, for reconnect replay.
func (e *Engine) HistorySince(from int64) []ActionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []ActionRecord
	for _, r := range e.history {
		if r.Seq > from {
			out = append(out, r)
		}
	}
	return out
}

// Snapshot captures document and history tail.
type Snapshot struct {
	Version     int            `json:"version"`
	Chronicle   []byte         `json:"chronicle"`
	HistoryTail []ActionRecord `json:"history_tail"`
	Seq         int64          `json:"seq"`
}

const snapshotVersion = 1

// Snapshot serialises current state.
func (e *Engine) Snapshot() ([]byte, error) {
	chron, err := e.chron.Save()
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	snap := Snapshot{
		Version:     snapshotVersion,
		Chronicle:   chron,
		HistoryTail: append([]ActionRecord(nil), e.history...),
		Seq:         e.nextSeq,
	}
	e.mu.Unlock()
	return json.Marshal(snap)
}

// Restore replaces document and history from a snapshot and clears a halt.
func (e *Engine) Restore(data []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return hterr.Wrap(hterr.KindCorruptChange, "decoding snapshot", err)
	}
	if snap.Version != snapshotVersion {
		return hterr.Newf(hterr.KindVersionDrift, "snapshot version %d, want %d", snap.Version, snapshotVersion)
	}
	if err := e.chron.Load(snap.Chronicle); err != nil {
		return err
	}
	e.mu.Lock()
	e.history = snap.HistoryTail
	e.nextSeq = snap.Seq
	e.halted = false
	e.mu.Unlock()
	return nil
}

// Close releases the worker and observer bus.
func (e *Engine) Close() {
	e.mu.Lock()
	w := e.worker
	e.worker = nil
	e.mu.Unlock()
	if w != nil {
		w.Shutdown()
	}
	e.bus.Close()
	e.chron.Close()
}
