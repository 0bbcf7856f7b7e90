package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flammafex/hypertoken/internal/chronicle"
	"github.com/flammafex/hypertoken/internal/clock"
	"github.com/flammafex/hypertoken/internal/hterr"
	"github.com/flammafex/hypertoken/internal/logging"
)

// WorkerState tracks the worker's lifecycle. Transitions:
// Uninit -> Ready -> Busy -> Ready -> ShuttingDown -> Dead.
type WorkerState int

const (
	WorkerUninit WorkerState = iota
	WorkerReady
	WorkerBusy
	WorkerShuttingDown
	WorkerDead
)

// WorkerOptions tunes the acceleration worker.
type WorkerOptions struct {
	// Timeout bounds each request round-trip.
	Timeout time.Duration
	// BatchWindow coalesces contiguous dispatches into one send.
	BatchWindow time.Duration
}

const (
	defaultWorkerTimeout = 30 * time.Second
	defaultBatchWindow   = 10 * time.Millisecond
)

type actionCall struct {
	Type    string
	Payload map[string]any
}

type workerRequest struct {
	id      uint64
	kind    string // init | dispatch | snapshot | ping | shutdown
	catchup []byte // main-side changes the worker has not seen
	actions []actionCall
	resp    chan workerResult
}

type workerResult struct {
	id      uint64
	results []any
	changes []byte
	vector  clock.VectorClock
	err     error
}

type pendingCall struct {
	action actionCall
	task   *Task
}

// Worker executes handlers on a replica document in its own goroutine and
// returns the resulting change sets for the main engine to merge. The
// engine holds the only handle.
type Worker struct {
	engine *Engine
	log    *logging.Logger
	opts   WorkerOptions

	requests chan workerRequest
	calls    chan pendingCall
	quit     chan struct{}

	mu     sync.Mutex
	state  WorkerState
	nextID uint64
	// acked is the worker's document vector as last reported.
	acked clock.VectorClock
}

// Task is one asynchronous dispatch carrying its own completion.
type Task struct {
	done   chan struct{}
	result any
	err    error
}

func newTask() *Task { return &Task{done: make(chan struct{})} }

func (t *Task) complete(result any, err error) {
	t.result = result
	t.err = err
	close(t.done)
}

// Wait blocks until the dispatch completes or the context is cancelled.
func (t *Task) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done exposes the completion channel.
func (t *Task) Done() <-chan struct{} { return t.done }

// AttachWorker starts the acceleration worker and initialises it with the
// current document.
func (e *Engine) AttachWorker(opts WorkerOptions) error {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultWorkerTimeout
	}
	if opts.BatchWindow <= 0 {
		opts.BatchWindow = defaultBatchWindow
	}
	w := &Worker{
		engine:   e,
		log:      e.log,
		opts:     opts,
		requests: make(chan workerRequest),
		calls:    make(chan pendingCall, 256),
		quit:     make(chan struct{}),
		state:    WorkerUninit,
	}
	go w.run()
	go w.batchLoop()

	doc, err := e.chron.Save()
	if err != nil {
		return err
	}
	res := w.roundTrip(workerRequest{kind: "init", catchup: doc})
	if res.err != nil {
		return res.err
	}
	w.mu.Lock()
	w.state = WorkerReady
	w.acked = res.vector
	w.mu.Unlock()

	e.mu.Lock()
	e.worker = w
	e.mu.Unlock()
	return nil
}

// State reports the worker lifecycle state.
func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Ping round-trips the worker channel.
func (w *Worker) Ping() error {
	return w.roundTrip(workerRequest{kind: "ping"}).err
}

// Shutdown stops the worker goroutines.
func (w *Worker) Shutdown() {
	w.mu.Lock()
	if w.state == WorkerDead || w.state == WorkerShuttingDown {
		w.mu.Unlock()
		return
	}
	w.state = WorkerShuttingDown
	w.mu.Unlock()
	w.roundTrip(workerRequest{kind: "shutdown"})
	w.mu.Lock()
	w.state = WorkerDead
	w.mu.Unlock()
	close(w.quit)
}

// roundTrip sends one request and waits with the configured timeout.
func (w *Worker) roundTrip(req workerRequest) workerResult {
	w.mu.Lock()
	w.nextID++
	req.id = w.nextID
	w.mu.Unlock()
	req.resp = make(chan workerResult, 1)

	select {
	case w.requests <- req:
	case <-time.After(w.opts.Timeout):
		return workerResult{id: req.id, err: hterr.New(hterr.KindWorkerTimeout, "worker channel saturated")}
	}
	select {
	case res := <-req.resp:
		return res
	case <-time.After(w.opts.Timeout):
		return workerResult{id: req.id, err: hterr.Newf(hterr.KindWorkerTimeout, "request %d timed out", req.id)}
	}
}

// run is the worker goroutine: it owns a replica engine and never shares
// memory with the main context.
func (w *Worker) run() {
	replica := newReplica(w.engine.registry, w.engine.chron.Origin()+".worker")
	for req := range w.requests {
		switch req.kind {
		case "shutdown":
			req.resp <- workerResult{id: req.id}
			return
		case "ping":
			req.resp <- workerResult{id: req.id, vector: replica.chron.Clock()}
		case "init":
			err := replica.chron.Load(req.catchup)
			req.resp <- workerResult{id: req.id, err: err, vector: replica.chron.Clock()}
		case "snapshot":
			data, err := replica.chron.Save()
			req.resp <- workerResult{id: req.id, changes: data, err: err, vector: replica.chron.Clock()}
		case "dispatch":
			req.resp <- w.execute(replica, req)
		}
	}
}

// execute runs a batch on the replica. Either every action commits or the
// replica rolls back to its pre-batch document.
func (w *Worker) execute(replica *Engine, req workerRequest) workerResult {
	if req.catchup != nil {
		if err := replica.chron.Merge(req.catchup); err != nil {
			return workerResult{id: req.id, err: err}
		}
	}
	before := replica.chron.Clock()
	rollback, err := replica.chron.Save()
	if err != nil {
		return workerResult{id: req.id, err: err}
	}

	results := make([]any, 0, len(req.actions))
	for _, call := range req.actions {
		handler, herr := replica.registry.Resolve(call.Type)
		if herr == nil {
			var res any
			res, herr = handler(replica, call.Payload)
			results = append(results, res)
		}
		if herr != nil {
			if lerr := replica.chron.Load(rollback); lerr != nil {
				w.log.Error("worker rollback failed", zap.Error(lerr))
			}
			return workerResult{id: req.id, err: herr}
		}
	}

	changes := replica.chron.ChangesSince(before)
	data, encErr := chronicle.EncodeChanges(changes)
	if encErr != nil {
		return workerResult{id: req.id, err: encErr}
	}
	return workerResult{id: req.id, results: results, changes: data, vector: replica.chron.Clock()}
}

// newReplica builds a bare engine sharing the registry: handlers run, but
// policies, rules and events stay on the main engine.
func newReplica(registry *Registry, origin string) *Engine {
	e := New(Options{Origin: origin})
	e.registry = registry
	return e
}

// batchLoop coalesces calls arriving within the batch window into one
// channel send.
func (w *Worker) batchLoop() {
	for {
		var first pendingCall
		select {
		case first = <-w.calls:
		case <-w.quit:
			return
		}
		batch := []pendingCall{first}
		timer := time.NewTimer(w.opts.BatchWindow)
	collect:
		for {
			select {
			case call := <-w.calls:
				batch = append(batch, call)
			case <-timer.C:
				break collect
			case <-w.quit:
				break collect
			}
		}
		timer.Stop()
		w.flush(batch)
	}
}

func (w *Worker) flush(batch []pendingCall) {
	w.mu.Lock()
	if w.state != WorkerReady {
		w.mu.Unlock()
		for _, call := range batch {
			call.task.complete(nil, hterr.New(hterr.KindWorkerTimeout, "worker unavailable"))
		}
		return
	}
	w.state = WorkerBusy
	acked := clock.Clone(w.acked)
	w.mu.Unlock()

	catchup, _ := chronicle.EncodeChanges(w.engine.chron.ChangesSince(acked))
	actions := make([]actionCall, len(batch))
	for i, call := range batch {
		actions[i] = call.action
	}

	res := w.roundTrip(workerRequest{kind: "dispatch", catchup: catchup, actions: actions})

	w.mu.Lock()
	if res.err != nil && hterr.KindOf(res.err) == hterr.KindWorkerTimeout {
		w.state = WorkerDead
	} else if w.state == WorkerBusy {
		w.state = WorkerReady
	}
	if res.vector != nil {
		w.acked = res.vector
	}
	w.mu.Unlock()

	if res.err != nil {
		if hterr.KindOf(res.err) == hterr.KindWorkerTimeout {
			w.engine.degradeWorker(res.err)
		}
		for _, call := range batch {
			call.task.complete(nil, res.err)
		}
		return
	}

	if err := w.engine.chron.Merge(res.changes); err != nil {
		for _, call := range batch {
			call.task.complete(nil, err)
		}
		return
	}
	for i, call := range batch {
		record := w.engine.commit(call.action.Type, call.action.Payload)
		w.engine.bus.Publish(Event{Type: EventAction, Payload: record})
		w.engine.runPostDispatch(record)
		call.task.complete(res.results[i], nil)
	}
}

// runPostDispatch drives policies and rules for an externally committed
// record, mirroring the synchronous pipeline tail.
func (e *Engine) runPostDispatch(record ActionRecord) {
	e.mu.Lock()
	policies := append([]Policy(nil), e.policies...)
	e.mu.Unlock()
	for _, p := range policies {
		if err := p.Evaluate(e, record); err != nil {
			e.emitError(record.Type, err)
			return
		}
	}
	if name, err := e.rules.Run(e, record); err != nil {
		e.log.Warn("rule effect failed", zap.String("rule", name), zap.Error(err))
		e.bus.Publish(Event{Type: EventRuleError, Payload: err})
	}
}

// degradeWorker drops the worker and publishes a warning; subsequent async
// dispatches run in-process.
func (e *Engine) degradeWorker(cause error) {
	e.mu.Lock()
	w := e.worker
	e.worker = nil
	e.mu.Unlock()
	if w == nil {
		return
	}
	if e.metrics != nil {
		e.metrics.WorkerTimeouts.Inc()
	}
	e.log.Warn("worker degraded to in-process execution", zap.Error(cause))
	e.bus.Publish(Event{Type: EventWorkerDegraded, Payload: cause})
}

// DispatchAsync runs the dispatch contract through the worker when one is
// attached and healthy, and in-process otherwise. History and state match
// the synchronous path either way.
func (e *Engine) DispatchAsync(actionType string, payload map[string]any) *Task {
	task := newTask()

	e.mu.Lock()
	w := e.worker
	e.mu.Unlock()

	if w == nil || w.State() != WorkerReady && w.State() != WorkerBusy {
		go func() {
			result, err := e.Dispatch(actionType, payload)
			task.complete(result, err)
		}()
		return task
	}

	select {
	case w.calls <- pendingCall{action: actionCall{Type: actionType, Payload: payload}, task: task}:
	default:
		go func() {
			result, err := e.Dispatch(actionType, payload)
			task.complete(result, err)
		}()
	}
	return task
}
