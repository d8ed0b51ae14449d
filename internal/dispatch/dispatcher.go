// Package dispatch is a preemptive, fixed-priority task dispatcher for a
// single core.
//
// Tasks are declared up front in a Table. A pending task starts as soon as
// its priority exceeds both the priority of the task currently running and
// the mask level raised by any held resource lock; otherwise it waits.
// Preemption nests on the dispatcher's own stack: a preempted task is a
// saved frame below the task that preempted it and resumes when that task
// returns. Equal priorities never preempt each other and run in arrival
// order.
//
// Task bodies run on the goroutine that called Run or Drain (the core).
// Triggers arriving from other goroutines are latched and take effect at
// the running task's next preemption point: any Context spawn, pend,
// cancel, log or checkpoint call, and every lock release.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/me/rtdispatch/internal/arbiter"
	"github.com/me/rtdispatch/internal/clock"
	"github.com/me/rtdispatch/internal/platform"
	"github.com/me/rtdispatch/pkg/model"
)

var (
	// ErrBusy is returned when Run or Drain is entered while the core is
	// already dispatching.
	ErrBusy = errors.New("dispatcher core already running")
	// ErrUnknownVector is returned for interrupts no task is bound to.
	ErrUnknownVector = errors.New("unknown vector")
)

// Observer receives every trace event. Implementations must not call back
// into the dispatcher.
type Observer interface {
	Observe(ev model.Event)
}

// ExitHook tells a debug host to end the session.
type ExitHook interface {
	RequestExit(code int)
}

// Exit statuses passed to ExitHook.
const (
	ExitSuccess = 0
	ExitFailure = 1
)

type request struct {
	payload any
	seq     uint64
	handle  *Handle
}

type task struct {
	id       model.TaskID
	prio     model.Priority
	kind     model.TriggerKind
	vector   model.Vector
	shared   []string
	local    any
	capacity int
	body     Body

	state    model.TaskState
	queue    []request
	reserved int
}

func (t *task) pop() request {
	req := t.queue[0]
	copy(t.queue, t.queue[1:])
	t.queue = t.queue[:len(t.queue)-1]
	return req
}

// frame is the saved context of a task on the dispatch stack.
type frame struct {
	task  *task
	saved model.Priority
	since clock.Instant
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithObserver sends trace events to o.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		d.observer = o
	}
}

// WithExitHook sets the debug exit collaborator.
func WithExitHook(h ExitHook) Option {
	return func(d *Dispatcher) {
		d.exitHook = h
	}
}

// WithPanicPolicy sets what happens when a task body panics.
func WithPanicPolicy(p PanicPolicy) Option {
	return func(d *Dispatcher) {
		d.policy = p
	}
}

// Dispatcher runs the tasks of one Table.
type Dispatcher struct {
	platform platform.Platform
	clock    clock.Monotonic
	arbiter  *arbiter.Arbiter
	logger   *slog.Logger
	observer Observer
	exitHook ExitHook
	policy   PanicPolicy

	order   []*task
	tasks   map[model.TaskID]*task
	vectors map[model.Vector]*task
	idle    *task
	idleDef *IdleDef

	mu     sync.Mutex
	seq    uint64
	timers []*timerEntry
	frames []*frame
	halted bool
	result error

	idling  bool
	core    atomic.Bool
	faulted atomic.Bool
}

// New validates table and builds a Dispatcher for it. Resource ceilings are
// computed here, once.
func New(table *Table, p platform.Platform, clk clock.Monotonic, logger *slog.Logger, opts ...Option) (*Dispatcher, error) {
	if apiErr := table.Validate(); apiErr != nil {
		return nil, apiErr
	}

	d := &Dispatcher{
		platform: p,
		clock:    clk,
		logger:   logger.With("component", "dispatcher"),
		policy:   PanicHalt,
		tasks:    make(map[model.TaskID]*task, len(table.Tasks)),
		vectors:  make(map[model.Vector]*task),
		idleDef:  table.Idle,
	}
	for _, opt := range opts {
		opt(d)
	}

	d.arbiter = arbiter.New(p, logger,
		arbiter.WithObserver(lockObserver{d}),
		arbiter.WithReleaseHook(d.dispatch),
	)
	if err := d.arbiter.Register(table.Resources...); err != nil {
		return nil, fmt.Errorf("register resources: %w", err)
	}
	if err := d.arbiter.Seal(table.Accesses()); err != nil {
		return nil, fmt.Errorf("seal resources: %w", err)
	}

	swVectors := table.dispatcherVectors()
	for _, td := range table.Tasks {
		t := &task{
			id:       td.ID,
			prio:     td.Priority,
			kind:     td.Trigger(),
			vector:   td.Binds,
			shared:   td.Shared,
			local:    td.Local,
			capacity: 1,
			body:     td.Body,
			state:    model.TaskStateDormant,
		}
		if t.kind == model.TriggerSoftware {
			t.vector = swVectors[td.Priority]
			if td.Capacity > 1 {
				t.capacity = td.Capacity
			}
		}
		t.queue = make([]request, 0, t.capacity)
		d.order = append(d.order, t)
		d.tasks[t.id] = t
		if t.kind == model.TriggerHardware {
			d.vectors[t.vector] = t
		}
	}

	d.idle = &task{id: IdleTaskID, prio: model.IdlePriority, kind: model.TriggerSoftware, state: model.TaskStateDormant}
	if table.Idle != nil {
		d.idle.shared = table.Idle.Shared
		d.idle.local = table.Idle.Local
	}
	return d, nil
}

// Clock returns the monotonic clock the dispatcher schedules against.
func (d *Dispatcher) Clock() clock.Monotonic {
	return d.clock
}

// Arbiter returns the resource arbiter holding the table's resources.
func (d *Dispatcher) Arbiter() *arbiter.Arbiter {
	return d.arbiter
}

// Err returns the reason the dispatcher halted, or nil.
func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.result
}

// Halted reports whether the dispatcher has stopped for good.
func (d *Dispatcher) Halted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.halted
}

// Spawn makes a software task pending with payload. It is the entry point
// for init code and other goroutines; tasks use Context.Spawn, which also
// preempts the caller when the spawned task is more urgent.
func (d *Dispatcher) Spawn(id model.TaskID, payload any) error {
	if _, err := d.enqueue(id, payload, nil); err != nil {
		return err
	}
	d.platform.Wake()
	return nil
}

// SpawnAfter schedules a software task to become pending once after ticks
// have elapsed. Any delay short of a full wrap period is honoured. The queue
// slot is reserved immediately.
func (d *Dispatcher) SpawnAfter(id model.TaskID, after clock.Duration, payload any) (*Handle, error) {
	return d.enqueue(id, payload, &schedule{from: d.clock.Now(), delay: after})
}

// SpawnAt schedules a software task to become pending once the clock reaches
// at. An instant less than half a wrap period in the past is due at the next
// tick; use SpawnAfter for delays longer than half a wrap.
func (d *Dispatcher) SpawnAt(id model.TaskID, at clock.Instant, payload any) (*Handle, error) {
	now := d.clock.Now()
	return d.enqueue(id, payload, &schedule{from: now, delay: delayUntil(now, at)})
}

// Interrupt is a hardware trigger on vector v. A second trigger while the
// bound task is still pending is coalesced, like a pending bit.
func (d *Dispatcher) Interrupt(v model.Vector) error {
	if err := d.pend(v); err != nil {
		return err
	}
	d.platform.Wake()
	return nil
}

// Cancel withdraws the oldest pending request of a task and returns its
// payload. Requests that already started cannot be withdrawn.
func (d *Dispatcher) Cancel(id model.TaskID) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[id]
	if !ok {
		return nil, &model.SpawnError{Task: id, Err: model.ErrUnknownTask}
	}
	if len(t.queue) == 0 {
		return nil, &model.SpawnError{Task: id, Err: model.ErrTooLate}
	}
	req := t.pop()
	if req.handle != nil {
		req.handle.entry.done = true
	}
	d.settle(t)
	d.emit(model.Event{Kind: model.EventCancelled, Task: t.id, Priority: t.prio})
	return req.payload, nil
}

// Drain dispatches until no task is pending, without idling. It returns the
// halt reason, if any.
func (d *Dispatcher) Drain() error {
	if !d.core.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer d.core.Store(false)
	return d.guard(d.dispatch)
}

// Run dispatches tasks and idles in between until ctx is cancelled, a debug
// exit is requested, or a task panics.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.core.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer d.core.Store(false)

	d.logger.Info("dispatcher started", "tasks", len(d.order), "resources", len(d.arbiter.Names()))
	for {
		d.leaveIdle()
		if err := d.guard(d.dispatch); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			d.logger.Info("dispatcher stopping (context cancelled)")
			return err
		}
		if err := d.guard(func() { d.idleOnce(ctx) }); err != nil {
			return err
		}
	}
}

// Tasks returns a snapshot of every task in table order.
func (d *Dispatcher) Tasks() []model.TaskInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.TaskInfo, 0, len(d.order))
	for _, t := range d.order {
		out = append(out, model.TaskInfo{
			ID:       t.id,
			Priority: t.prio,
			Trigger:  t.kind,
			Vector:   t.vector,
			State:    t.state,
			Queued:   len(t.queue) + t.reserved,
			Capacity: t.capacity,
			Shared:   append([]string(nil), t.shared...),
		})
	}
	return out
}

// State returns the current state of a task.
func (d *Dispatcher) State(id model.TaskID) (model.TaskState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id == IdleTaskID {
		return d.idle.state, true
	}
	t, ok := d.tasks[id]
	if !ok {
		return "", false
	}
	return t.state, true
}

// Pending returns how many requests are waiting to start.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, t := range d.order {
		n += len(t.queue)
	}
	return n
}

// schedule places a timer spawn delay ticks after from.
type schedule struct {
	from  clock.Instant
	delay clock.Duration
}

func (d *Dispatcher) enqueue(id model.TaskID, payload any, at *schedule) (*Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.halted {
		return nil, &model.SpawnError{Task: id, Err: model.ErrHalted}
	}
	t, ok := d.tasks[id]
	if !ok {
		return nil, &model.SpawnError{Task: id, Err: model.ErrUnknownTask}
	}
	if t.kind == model.TriggerHardware {
		return nil, &model.SpawnError{Task: id, Err: model.ErrNotSoftware}
	}
	if len(t.queue)+t.reserved >= t.capacity {
		d.emit(model.Event{Kind: model.EventRejected, Task: t.id, Priority: t.prio, Detail: model.ErrQueueFull.Error()})
		return nil, &model.SpawnError{Task: id, Err: model.ErrQueueFull}
	}

	if at != nil {
		h := &Handle{d: d}
		h.entry = &timerEntry{task: t, from: at.from, delay: at.delay, payload: payload, seq: d.nextSeq(), handle: h}
		t.reserved++
		d.timers = append(d.timers, h.entry)
		d.emit(model.Event{Kind: model.EventScheduled, Task: t.id, Priority: t.prio, Detail: fmt.Sprintf("at=%d", h.entry.deadline())})
		return h, nil
	}

	d.push(t, request{payload: payload, seq: d.nextSeq()})
	return nil, nil
}

func (d *Dispatcher) pend(v model.Vector) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.vectors[v]
	if !ok {
		return fmt.Errorf("interrupt %q: %w", v, ErrUnknownVector)
	}
	if d.halted {
		return fmt.Errorf("interrupt %q: %w", v, model.ErrHalted)
	}
	if len(t.queue) > 0 {
		d.emit(model.Event{Kind: model.EventCoalesced, Task: t.id, Priority: t.prio, Detail: string(v)})
		return nil
	}
	d.push(t, request{seq: d.nextSeq()})
	return nil
}

// push appends a request. d.mu must be held.
func (d *Dispatcher) push(t *task, req request) {
	t.queue = append(t.queue, req)
	if t.state == model.TaskStateDormant {
		d.transition(t, model.TaskStatePending)
	}
	d.emit(model.Event{Kind: model.EventPending, Task: t.id, Priority: t.prio, Detail: string(t.vector)})
}

// settle drops a task back to Dormant once nothing is queued. d.mu must be held.
func (d *Dispatcher) settle(t *task) {
	if len(t.queue) == 0 && t.state == model.TaskStatePending {
		d.transition(t, model.TaskStateDormant)
	}
}

func (d *Dispatcher) nextSeq() uint64 {
	d.seq++
	return d.seq
}

// transition moves t to next. d.mu must be held.
func (d *Dispatcher) transition(t *task, next model.TaskState) {
	if !t.state.CanTransitionTo(next) {
		d.logger.Error("invalid transition", "error", &model.InvalidTransitionError{
			Entity: "Task",
			ID:     string(t.id),
			From:   t.state.String(),
			To:     next.String(),
		})
	}
	t.state = next
}

// threshold is the system priority: a pending task must exceed it to start.
// d.mu must be held.
func (d *Dispatcher) threshold() model.Priority {
	level := d.platform.Level()
	if n := len(d.frames); n > 0 && d.frames[n-1].task.prio > level {
		return d.frames[n-1].task.prio
	}
	return level
}

// selectReady picks the most urgent startable task: highest priority, then
// earliest arrival. d.mu must be held.
func (d *Dispatcher) selectReady() *task {
	threshold := d.threshold()
	var best *task
	for _, t := range d.order {
		if len(t.queue) == 0 || t.state.IsActive() || t.prio <= threshold {
			continue
		}
		if best == nil || t.prio > best.prio || (t.prio == best.prio && t.queue[0].seq < best.queue[0].seq) {
			best = t
		}
	}
	return best
}

func (d *Dispatcher) next() (*task, request, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.halted {
		return nil, request{}, false
	}
	t := d.selectReady()
	if t == nil {
		return nil, request{}, false
	}
	req := t.pop()
	if req.handle != nil {
		req.handle.entry.done = true
	}
	return t, req, true
}

func (d *Dispatcher) hasReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.halted && d.selectReady() != nil
}

// dispatch runs every task that may start above the current system
// priority. Called at each preemption point; nested calls are preemption.
func (d *Dispatcher) dispatch() {
	for {
		t, req, ok := d.next()
		if !ok {
			return
		}
		d.execute(t, req)
	}
}

func (d *Dispatcher) execute(t *task, req request) {
	d.enter(t)
	defer d.leave(t)
	d.invoke(t, func(cx *Context) { t.body(cx, req.payload) })
}

func (d *Dispatcher) enter(t *task) {
	now := d.clock.Now()
	level := d.platform.Level()

	d.mu.Lock()
	var preempted *task
	if n := len(d.frames); n > 0 {
		top := d.frames[n-1]
		top.saved = level
		top.since = now
		preempted = top.task
		d.transition(preempted, model.TaskStatePreempted)
	}
	d.transition(t, model.TaskStateRunning)
	d.frames = append(d.frames, &frame{task: t})
	d.mu.Unlock()

	if preempted != nil {
		d.emit(model.Event{Kind: model.EventPreempt, Task: preempted.id, Priority: preempted.prio, Detail: "by " + string(t.id)})
	}
	d.emit(model.Event{Kind: model.EventStart, Task: t.id, Priority: t.prio, Detail: string(t.vector)})
}

func (d *Dispatcher) leave(t *task) {
	d.mu.Lock()
	d.frames = d.frames[:len(d.frames)-1]
	d.transition(t, model.TaskStateDormant)
	if len(t.queue) > 0 {
		d.transition(t, model.TaskStatePending)
	}
	halted := d.halted
	var resumed *frame
	if n := len(d.frames); n > 0 {
		resumed = d.frames[n-1]
		d.transition(resumed.task, model.TaskStateRunning)
	}
	d.mu.Unlock()

	detail := ""
	if halted {
		detail = "aborted"
	}
	d.emit(model.Event{Kind: model.EventEnd, Task: t.id, Priority: t.prio, Detail: detail})

	if resumed == nil || halted {
		return
	}
	if level := d.platform.Level(); level != resumed.saved {
		d.logger.Error("mask level changed across preemption",
			"task", resumed.task.id, "saved", resumed.saved, "level", level)
		d.platform.Restore(resumed.saved)
	}
	d.emit(model.Event{
		Kind:     model.EventResume,
		Task:     resumed.task.id,
		Priority: resumed.task.prio,
		Detail:   fmt.Sprintf("after %d ticks", d.clock.Now().Sub(resumed.since)),
	})
}

func (d *Dispatcher) halt(reason error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.halted {
		return
	}
	d.halted = true
	d.result = reason
}

func (d *Dispatcher) emit(ev model.Event) {
	if d.observer == nil {
		return
	}
	ev.Tick = uint32(d.clock.Now())
	d.observer.Observe(ev)
}

func (d *Dispatcher) priorityOf(id model.TaskID) model.Priority {
	if t, ok := d.tasks[id]; ok {
		return t.prio
	}
	return model.IdlePriority
}

// lockObserver turns arbiter callbacks into trace events.
type lockObserver struct {
	d *Dispatcher
}

func (o lockObserver) OnLock(resource string, task model.TaskID, ceiling model.Priority) {
	o.d.emit(model.Event{Kind: model.EventLock, Task: task, Priority: o.d.priorityOf(task), Resource: resource, Ceiling: ceiling})
}

func (o lockObserver) OnUnlock(resource string, task model.TaskID, ceiling model.Priority) {
	o.d.emit(model.Event{Kind: model.EventUnlock, Task: task, Priority: o.d.priorityOf(task), Resource: resource, Ceiling: ceiling})
}
