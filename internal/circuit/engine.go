package circuit

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nao1215/exitscan/internal/catalog"
	"github.com/nao1215/exitscan/internal/model"
	"github.com/nao1215/exitscan/internal/module"
	"github.com/nao1215/exitscan/internal/stats"
	"github.com/nao1215/exitscan/internal/tor"
)

const (
	// DefaultProbeConcurrency bounds how many probes run at once.
	DefaultProbeConcurrency = 16

	// commandTimeout bounds each control command the engine issues.
	commandTimeout = 30 * time.Second

	// maxRemembered bounds the orphan and finished-circuit memories.
	maxRemembered = 1024
)

// Controller is the part of the control connection the engine drives.
// *tor.Controller satisfies it.
type Controller interface {
	AttachStream(ctx context.Context, streamID, circuitID string) error
	CloseStream(ctx context.Context, streamID string) error
	CloseCircuit(ctx context.Context, circuitID string) error
}

// ProbeFunc measures one exit over an established circuit.
type ProbeFunc func(ctx context.Context, inv *module.Invocation) (*module.Result, error)

// Recorder receives the record of every probe that ran.
type Recorder func(*model.ProbeRecord)

// pendingCircuit is the engine's record of one requested circuit.
type pendingCircuit struct {
	exit    *catalog.Relay
	probe   ProbeFunc
	created time.Time

	// id is empty until Tor's circuit id is learned.
	id     string
	state  State
	stream string

	// dialer opens connections attached to this circuit; nil without a
	// SOCKS port.
	dialer *tor.CircuitDialer
	ports  []uint16

	canary       net.Conn
	canaryActive bool
	cancelCanary context.CancelFunc

	// finished is set once no more streams will be routed to the circuit.
	finished bool
}

// Engine tracks the circuits of one module run. It implements
// tor.EventHandler.
type Engine struct {
	ctrl         Controller
	stats        *stats.Statistics
	logger       *slog.Logger
	module       string
	socksAddr    string
	canaryTarget string
	record       Recorder
	concurrency  int64
	sem          *semaphore.Weighted

	// ctx is cancelled by Abort and Close; probes run under it.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	byExit  map[string]*pendingCircuit
	byID    map[string]*pendingCircuit
	streams map[string]*pendingCircuit
	routes  map[uint16]*pendingCircuit
	ready   []*pendingCircuit
	queued  []string
	// orphans holds terminal events for ids that were not bound yet.
	orphans  *memory
	finished *memory
	changed  chan struct{}

	probes   sync.WaitGroup
	canaries sync.WaitGroup
}

var _ tor.EventHandler = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithModule sets the module name put on invocations and records.
func WithModule(name string) Option {
	return func(e *Engine) {
		e.module = name
	}
}

// WithSocksAddr gives every circuit a dialer through Tor's SOCKS port whose
// connections are attached to that circuit.
func WithSocksAddr(addr string) Option {
	return func(e *Engine) {
		e.socksAddr = addr
	}
}

// WithCanaryTarget makes the engine open a stream to target ("host:port")
// over every circuit as soon as it is built. The probe runs once that
// stream succeeds. It requires WithSocksAddr; without it, built circuits
// wait for streams opened by someone else.
func WithCanaryTarget(target string) Option {
	return func(e *Engine) {
		e.canaryTarget = target
	}
}

// WithProbeConcurrency bounds the number of probes running at once.
func WithProbeConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = int64(n)
		}
	}
}

// WithRecorder sets the function that receives probe records.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.record = r
	}
}

// New creates an engine that issues commands on ctrl and counts into st.
func New(ctrl Controller, st *stats.Statistics, opts ...Option) (*Engine, error) {
	e := &Engine{
		ctrl:        ctrl,
		stats:       st,
		logger:      slog.Default(),
		concurrency: DefaultProbeConcurrency,
		byExit:      make(map[string]*pendingCircuit),
		byID:        make(map[string]*pendingCircuit),
		streams:     make(map[string]*pendingCircuit),
		routes:      make(map[uint16]*pendingCircuit),
		orphans:     newMemory(maxRemembered),
		finished:    newMemory(maxRemembered),
		changed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.socksAddr != "" {
		if _, err := tor.NewCircuitDialer(e.socksAddr, nil); err != nil {
			return nil, err
		}
	}
	if e.module != "" {
		e.logger = e.logger.With("module", e.module)
	}
	e.sem = semaphore.NewWeighted(e.concurrency)
	e.ctx, e.cancel = context.WithCancel(context.Background())

	return e, nil
}

// Register starts tracking a circuit to exit. It must be called before the
// circuit is requested so that no event about it can be missed.
func (e *Engine) Register(exit *catalog.Relay, probe ProbeFunc) error {
	if e.ctx.Err() != nil {
		return ErrAborted
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.byExit[exit.Fingerprint]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateExit, exit.Fingerprint)
	}

	pc := &pendingCircuit{
		exit:    exit,
		probe:   probe,
		created: time.Now(),
		state:   StateRequested,
	}
	if e.socksAddr != "" {
		d, err := tor.NewCircuitDialer(e.socksAddr, func(port uint16) { e.route(port, pc) })
		if err != nil {
			return err
		}
		pc.dialer = d
	}
	e.byExit[exit.Fingerprint] = pc
	return nil
}

// Bind records the circuit id Tor acknowledged for the circuit to the exit
// with fingerprint fp.
func (e *Engine) Bind(fp, circuitID string) {
	e.mu.Lock()
	pc, ok := e.byExit[fp]
	if !ok {
		e.mu.Unlock()
		e.logger.Debug("ignoring circuit id for untracked exit", "exit", fp, "circuit", circuitID)
		return
	}
	if pc.id != "" {
		if pc.id != circuitID {
			e.logger.Warn("exit bound to a second circuit", "exit", fp, "circuit", pc.id, "other", circuitID)
		}
		e.mu.Unlock()
		return
	}

	e.bindLocked(pc, circuitID)

	var acts []action
	if ev, ok := e.orphans.take(circuitID); ok {
		e.logger.Debug("applying early circuit event", "circuit", circuitID, "status", ev.Status)
		acts = e.circuitEventLocked(pc, ev)
	}
	e.mu.Unlock()

	run(acts)
}

// Abandon stops tracking the circuit to the exit with fingerprint fp
// without counting it. It is used when the request itself was rejected.
func (e *Engine) Abandon(fp string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if pc, ok := e.byExit[fp]; ok {
		pc.state = StateFailed
		e.removeLocked(pc)
		e.finishLocked(pc)
	}
}

// HandleCircuitEvent implements tor.EventHandler.
func (e *Engine) HandleCircuitEvent(ev tor.CircuitEvent) {
	e.mu.Lock()
	pc, ok := e.byID[ev.ID]
	if !ok {
		pc = e.matchPathLocked(ev)
		if pc == nil {
			e.untrackedCircuitLocked(ev)
			e.mu.Unlock()
			return
		}
		e.logger.Debug("learned circuit id from its path", "exit", pc.exit.Fingerprint, "circuit", ev.ID)
		e.bindLocked(pc, ev.ID)
	}
	acts := e.circuitEventLocked(pc, ev)
	e.mu.Unlock()

	run(acts)
}

// HandleStreamEvent implements tor.EventHandler.
func (e *Engine) HandleStreamEvent(ev tor.StreamEvent) {
	var acts []action

	e.mu.Lock()
	switch ev.Status {
	case tor.StreamNew, tor.StreamNewResolve:
		if ev.Unattached() {
			acts = e.routeStreamLocked(ev)
		}
	case tor.StreamSucceeded:
		acts = e.streamSucceededLocked(ev)
	case tor.StreamFailed, tor.StreamClosed, tor.StreamDetached:
		acts = e.streamEndedLocked(ev)
	}
	e.mu.Unlock()

	run(acts)
}

// Pending returns the number of circuits that have not reached a terminal
// state.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.byExit)
}

// State returns the state of the circuit to the exit with fingerprint fp.
// It reports false once the circuit reached a terminal state.
func (e *Engine) State(fp string) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pc, ok := e.byExit[fp]
	if !ok {
		return 0, false
	}
	return pc.state, true
}

// Drain waits until every tracked circuit reached a terminal state and
// every dispatched probe returned.
func (e *Engine) Drain(ctx context.Context) error {
	for {
		e.mu.Lock()
		n := len(e.byExit)
		changed := e.changed
		e.mu.Unlock()

		if n == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d circuit(s) still pending: %w", n, ctx.Err())
		case <-changed:
		}
	}

	done := make(chan struct{})
	go func() {
		e.probes.Wait()
		e.canaries.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("probes still running: %w", ctx.Err())
	}
}

// Abort fails every circuit that is still pending and cancels running
// probes. Circuits that were already probed are not counted again.
func (e *Engine) Abort() {
	e.mu.Lock()
	pending := make([]*pendingCircuit, 0, len(e.byExit))
	for _, pc := range e.byExit {
		pending = append(pending, pc)
	}
	var acts []action
	for _, pc := range pending {
		acts = append(acts, e.failLocked(pc, "aborted", true)...)
	}
	e.queued = nil
	e.mu.Unlock()

	e.cancel()
	run(acts)
}

// Close releases the engine's context. Probes still running are cancelled.
func (e *Engine) Close() {
	e.cancel()
}

// action is controller I/O decided under the lock and performed after it
// was released.
type action func()

func run(acts []action) {
	for _, act := range acts {
		act()
	}
}

func (e *Engine) commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(e.ctx), commandTimeout)
}

func (e *Engine) route(port uint16, pc *pendingCircuit) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.routes[port] = pc
	pc.ports = append(pc.ports, port)
}

func (e *Engine) bindLocked(pc *pendingCircuit, id string) {
	pc.id = id
	e.byID[id] = pc
	if pc.state == StateRequested {
		pc.state = StateExtending
	}
}

// matchPathLocked finds the pending circuit an unknown circuit id belongs
// to. Only two-hop paths are considered: a shorter path ends at the first
// hop, which may itself be a selected exit.
func (e *Engine) matchPathLocked(ev tor.CircuitEvent) *pendingCircuit {
	if len(ev.Path) < 2 {
		return nil
	}
	hop, _ := ev.LastHop()
	pc, ok := e.byExit[hop.Fingerprint]
	if !ok || pc.id != "" {
		return nil
	}
	return pc
}

func (e *Engine) untrackedCircuitLocked(ev tor.CircuitEvent) {
	if e.finished.has(ev.ID) {
		e.logger.Debug("ignoring late circuit event", "circuit", ev.ID, "status", ev.Status)
		return
	}
	if ev.Status == tor.CircuitFailed || ev.Status == tor.CircuitClosed {
		e.orphans.put(ev.ID, ev)
	}
}

func (e *Engine) circuitEventLocked(pc *pendingCircuit, ev tor.CircuitEvent) []action {
	switch ev.Status {
	case tor.CircuitLaunched, tor.CircuitExtended, tor.CircuitGuardWait:
		if pc.state == StateRequested {
			pc.state = StateExtending
		}
		return nil

	case tor.CircuitBuilt:
		if pc.state != StateRequested && pc.state != StateExtending {
			e.logger.Debug("ignoring duplicate BUILT", "circuit", pc.id, "state", pc.state)
			return nil
		}
		pc.state = StateBuilt
		e.logger.Debug("circuit built", "exit", pc.exit.Fingerprint, "circuit", pc.id, "after", time.Since(pc.created))
		return e.assignStreamLocked(pc)

	case tor.CircuitFailed, tor.CircuitClosed:
		// Tor already tore the circuit down.
		return e.failLocked(pc, reason("circuit", ev.Status, ev.Reason), false)
	}
	return nil
}

// assignStreamLocked gives a freshly built circuit its stream.
func (e *Engine) assignStreamLocked(pc *pendingCircuit) []action {
	if len(e.queued) > 0 {
		streamID := e.queued[0]
		e.queued = e.queued[1:]
		return e.attachLocked(pc, streamID)
	}

	if pc.dialer != nil && e.canaryTarget != "" {
		ctx, cancel := context.WithCancel(e.ctx)
		pc.cancelCanary = cancel
		pc.canaryActive = true
		e.canaries.Add(1)
		return []action{func() { go e.dialCanary(ctx, pc) }}
	}

	e.ready = append(e.ready, pc)
	return nil
}

func (e *Engine) attachLocked(pc *pendingCircuit, streamID string) []action {
	pc.state = StateStreamAttached
	pc.stream = streamID
	e.streams[streamID] = pc
	e.ready = slices.DeleteFunc(e.ready, func(r *pendingCircuit) bool { return r == pc })

	circuitID := pc.id
	return []action{func() {
		ctx, cancel := e.commandContext()
		defer cancel()

		if err := e.ctrl.AttachStream(ctx, streamID, circuitID); err != nil {
			e.logger.Warn("failed to attach stream", "stream", streamID, "circuit", circuitID, "error", err)
			e.attachFailed(pc, streamID, err)
		}
	}}
}

func (e *Engine) attachFailed(pc *pendingCircuit, streamID string, err error) {
	e.mu.Lock()
	var acts []action
	if pc.state == StateStreamAttached && pc.stream == streamID {
		acts = e.failLocked(pc, "attach: "+err.Error(), true)
	}
	e.mu.Unlock()

	run(acts)
}

// routeStreamLocked decides where an unattached stream goes: to the circuit
// whose dialer opened it, else to the oldest built circuit still waiting
// for a stream, else into the queue.
func (e *Engine) routeStreamLocked(ev tor.StreamEvent) []action {
	if port := ev.SourcePort(); port != 0 {
		if pc, ok := e.routes[port]; ok {
			return e.routeOwnStreamLocked(pc, ev.ID)
		}
	}

	for len(e.ready) > 0 {
		pc := e.ready[0]
		e.ready = e.ready[1:]
		if pc.state == StateBuilt {
			return e.attachLocked(pc, ev.ID)
		}
	}

	e.logger.Debug("queueing stream until a circuit is built", "stream", ev.ID, "target", ev.Target)
	e.queued = append(e.queued, ev.ID)
	return nil
}

func (e *Engine) routeOwnStreamLocked(pc *pendingCircuit, streamID string) []action {
	switch {
	case pc.state == StateFailed || pc.state == StateClosed:
		// The circuit died while its stream was being opened.
		return []action{func() {
			ctx, cancel := e.commandContext()
			defer cancel()
			if err := e.ctrl.CloseStream(ctx, streamID); err != nil {
				e.logger.Debug("failed to close stream", "stream", streamID, "error", err)
			}
		}}
	case pc.state == StateBuilt:
		return e.attachLocked(pc, streamID)
	case pc.id == "":
		e.queued = append(e.queued, streamID)
		return nil
	}

	// A further connection from the probe itself.
	circuitID := pc.id
	return []action{func() {
		ctx, cancel := e.commandContext()
		defer cancel()
		if err := e.ctrl.AttachStream(ctx, streamID, circuitID); err != nil {
			e.logger.Debug("failed to attach probe stream", "stream", streamID, "circuit", circuitID, "error", err)
		}
	}}
}

func (e *Engine) streamSucceededLocked(ev tor.StreamEvent) []action {
	pc, ok := e.streams[ev.ID]
	if !ok {
		return nil
	}
	if pc.state != StateStreamAttached {
		e.logger.Debug("ignoring duplicate stream success", "stream", ev.ID, "state", pc.state)
		return nil
	}

	pc.state = StateProbed
	e.removeLocked(pc)
	e.stats.IncProbed()
	e.probes.Add(1)

	inv := &module.Invocation{
		Module:    e.module,
		Exit:      pc.exit,
		CircuitID: pc.id,
		StreamID:  ev.ID,
		SocksAddr: e.socksAddr,
		Logger:    e.logger.With("exit", pc.exit.Fingerprint, "circuit", pc.id),
	}
	if pc.dialer != nil {
		inv.Dialer = pc.dialer
	}

	return []action{func() { go e.runProbe(pc, inv) }}
}

func (e *Engine) streamEndedLocked(ev tor.StreamEvent) []action {
	e.queued = slices.DeleteFunc(e.queued, func(id string) bool { return id == ev.ID })

	pc, ok := e.streams[ev.ID]
	if !ok || pc.state != StateStreamAttached {
		return nil
	}

	acts := e.failLocked(pc, reason("stream", ev.Status, ev.Reason), true)
	if ev.Status == tor.StreamDetached {
		streamID := ev.ID
		acts = append(acts, func() {
			ctx, cancel := e.commandContext()
			defer cancel()
			if err := e.ctrl.CloseStream(ctx, streamID); err != nil {
				e.logger.Debug("failed to close detached stream", "stream", streamID, "error", err)
			}
		})
	}
	return acts
}

// failLocked moves pc to its failure state and counts it. When
// closeCircuit is set, the circuit is closed after the lock is released.
func (e *Engine) failLocked(pc *pendingCircuit, why string, closeCircuit bool) []action {
	if pc.state == StateRequested || pc.state == StateExtending {
		pc.state = StateFailed
	} else {
		pc.state = StateClosed
	}
	e.removeLocked(pc)
	e.finishLocked(pc)
	e.stats.IncFailed()
	e.logger.Debug("circuit failed", "exit", pc.exit.Fingerprint, "circuit", pc.id, "state", pc.state, "reason", why)

	if !closeCircuit || pc.id == "" {
		return nil
	}
	return []action{e.closeCircuitAction(pc.id)}
}

func (e *Engine) closeCircuitAction(circuitID string) action {
	return func() {
		ctx, cancel := e.commandContext()
		defer cancel()
		if err := e.ctrl.CloseCircuit(ctx, circuitID); err != nil {
			e.logger.Debug("failed to close circuit", "circuit", circuitID, "error", err)
		}
	}
}

// removeLocked drops pc from every index. Its routes stay until finishLocked.
func (e *Engine) removeLocked(pc *pendingCircuit) {
	if e.byExit[pc.exit.Fingerprint] == pc {
		delete(e.byExit, pc.exit.Fingerprint)
	}
	if pc.id != "" {
		delete(e.byID, pc.id)
		e.finished.put(pc.id, tor.CircuitEvent{})
	}
	if pc.stream != "" {
		delete(e.streams, pc.stream)
	}
	e.ready = slices.DeleteFunc(e.ready, func(r *pendingCircuit) bool { return r == pc })

	close(e.changed)
	e.changed = make(chan struct{})
}

// finishLocked marks that no more streams belong to pc and drops its routes
// unless a canary dial still needs them.
func (e *Engine) finishLocked(pc *pendingCircuit) {
	pc.finished = true
	if pc.cancelCanary != nil {
		pc.cancelCanary()
	}
	if !pc.canaryActive {
		e.dropRoutesLocked(pc)
	}
}

func (e *Engine) dropRoutesLocked(pc *pendingCircuit) {
	for _, port := range pc.ports {
		if e.routes[port] == pc {
			delete(e.routes, port)
		}
	}
	pc.ports = nil
}

// dialCanary opens the stream that proves the circuit works.
func (e *Engine) dialCanary(ctx context.Context, pc *pendingCircuit) {
	defer e.canaries.Done()

	conn, err := pc.dialer.DialContext(ctx, "tcp", e.canaryTarget)

	e.mu.Lock()
	pc.canaryActive = false
	var acts []action
	switch {
	case err != nil:
		if e.byExit[pc.exit.Fingerprint] == pc {
			acts = e.failLocked(pc, "canary: "+err.Error(), true)
		}
	case pc.finished:
		_ = conn.Close()
	default:
		pc.canary = conn
	}
	if pc.finished {
		e.dropRoutesLocked(pc)
	}
	e.mu.Unlock()

	run(acts)
}

// runProbe invokes the probe and cleans the circuit up afterwards.
func (e *Engine) runProbe(pc *pendingCircuit, inv *module.Invocation) {
	defer e.probes.Done()

	started := time.Now()
	var res *module.Result
	err := e.sem.Acquire(e.ctx, 1)
	if err == nil {
		res, err = invoke(e.ctx, pc.probe, inv)
		e.sem.Release(1)
	}
	e.report(inv, res, err, started)

	e.mu.Lock()
	e.finishLocked(pc)
	conn := pc.canary
	pc.canary = nil
	e.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	e.closeCircuitAction(inv.CircuitID)()
}

// invoke calls probe and turns a panic into an error.
func invoke(ctx context.Context, probe ProbeFunc, inv *module.Invocation) (res *module.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("%w: %v", ErrProbePanic, r)
		}
	}()
	return probe(ctx, inv)
}

func (e *Engine) report(inv *module.Invocation, res *module.Result, err error, started time.Time) {
	rec := &model.ProbeRecord{
		Module:          inv.Module,
		ExitFingerprint: inv.Exit.Fingerprint,
		ExitNickname:    inv.Exit.Nickname,
		Country:         inv.Exit.Country,
		CircuitID:       inv.CircuitID,
		Duration:        time.Since(started),
		ProbedAt:        started,
	}
	if inv.Exit.Address.IsValid() {
		rec.ExitAddress = inv.Exit.Address.String()
	}

	switch {
	case err != nil:
		rec.Verdict = model.VerdictError
		rec.Detail = err.Error()
		inv.Log().Warn("probe failed", "error", err)
	case res == nil:
		rec.Verdict = model.VerdictError
		rec.Detail = "probe returned no result"
		inv.Log().Warn("probe returned no result")
	default:
		rec.Verdict = res.Verdict
		rec.Detail = res.Detail
		level := slog.LevelInfo
		if res.Verdict == model.VerdictSuspicious {
			level = slog.LevelWarn
		}
		inv.Log().Log(e.ctx, level, "probe finished", "verdict", res.Verdict, "detail", res.Detail)
	}

	if e.record != nil {
		e.record(rec)
	}
}

func reason[S ~string](what string, status S, detail string) string {
	s := what + " " + strings.ToLower(string(status))
	if detail != "" {
		s += " (" + detail + ")"
	}
	return s
}
