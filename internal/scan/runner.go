package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nao1215/exitscan/internal/catalog"
	"github.com/nao1215/exitscan/internal/circuit"
	"github.com/nao1215/exitscan/internal/model"
	"github.com/nao1215/exitscan/internal/module"
	"github.com/nao1215/exitscan/internal/selector"
	"github.com/nao1215/exitscan/internal/stats"
	"github.com/nao1215/exitscan/internal/tor"
)

const (
	// DefaultBuildDelay is the pause between two circuit requests.
	DefaultBuildDelay = 3 * time.Second

	// DefaultDrainTimeout bounds the wait for a module's last circuits.
	DefaultDrainTimeout = 2 * time.Minute

	// DefaultCanaryTarget is the canary destination of modules that declare
	// no destination.
	DefaultCanaryTarget = "check.torproject.org:443"

	storeTimeout = 10 * time.Second
)

// Controller is the control connection a run needs. *tor.Controller
// satisfies it.
type Controller interface {
	circuit.Controller
	CircuitRequester
	Subscribe(ctx context.Context, h tor.EventHandler) (func(), error)
}

// Store persists a run while it progresses. *database.ResultDB satisfies it.
type Store interface {
	CreateRun(ctx context.Context, run *model.RunReport) error
	InsertProbeResult(ctx context.Context, runID int64, rec *model.ProbeRecord) error
	FinishRun(ctx context.Context, run *model.RunReport) error
}

// Settings are the scan parameters of a run.
type Settings struct {
	// FirstHop is the fingerprint of the operator's relay every circuit
	// starts at.
	FirstHop string

	// Country restricts exits to one country. Mutually exclusive with Exit.
	Country string

	// Exit scans only this relay.
	Exit string

	// BuildDelay is the pause between circuit requests.
	BuildDelay time.Duration

	// SocksAddr is Tor's SOCKS port. Without it probes get no dialer and
	// circuits wait for streams opened by other programs.
	SocksAddr string

	// CanaryTarget is dialed over each new circuit when the module declares
	// no destination of its own.
	CanaryTarget string

	// ProbeConcurrency bounds the probes running at once.
	ProbeConcurrency int

	// DrainTimeout bounds the wait for outstanding circuits after the last
	// request of a module.
	DrainTimeout time.Duration
}

// Runner runs modules one after another over a shared control connection.
type Runner struct {
	ctrl      Controller
	catalog   *catalog.Catalog
	registry  *module.Registry
	stats     *stats.Statistics
	settings  Settings
	logger    *slog.Logger
	resolver  selector.Resolver
	countries catalog.CountryResolver
	store     Store

	mu sync.Mutex
	// id is the stored id of the current run.
	id int64
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithResolver sets the resolver used for module destinations.
func WithResolver(res selector.Resolver) Option {
	return func(r *Runner) {
		r.resolver = res
	}
}

// WithCountryResolver sets the country lookup used for relays the catalog
// has no country for.
func WithCountryResolver(c catalog.CountryResolver) Option {
	return func(r *Runner) {
		r.countries = c
	}
}

// WithStore persists the run and its probe results.
func WithStore(s Store) Option {
	return func(r *Runner) {
		r.store = s
	}
}

// NewRunner creates a runner.
func NewRunner(
	ctrl Controller,
	cat *catalog.Catalog,
	registry *module.Registry,
	st *stats.Statistics,
	settings Settings,
	opts ...Option,
) *Runner {
	if settings.DrainTimeout <= 0 {
		settings.DrainTimeout = DefaultDrainTimeout
	}
	if settings.CanaryTarget == "" {
		settings.CanaryTarget = DefaultCanaryTarget
	}

	r := &Runner{
		ctrl:     ctrl,
		catalog:  cat,
		registry: registry,
		stats:    st,
		settings: settings,
		logger:   slog.Default(),
		resolver: net.DefaultResolver,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// slot pairs a requested module with its run record.
type slot struct {
	mod module.Module
	run *model.ModuleRun
}

// Run runs the named modules in order and returns the run report.
//
// A module that cannot run, because it is unknown, its preparation failed
// or no exit qualifies, is recorded as skipped and the next one runs. A
// missing first hop or a failing control connection ends the run with an
// error. When ctx is cancelled the current module stops requesting
// circuits, its outstanding circuits are drained and the remaining
// modules are skipped; the partial report is returned without error.
func (r *Runner) Run(ctx context.Context, names []string) (*model.RunReport, error) {
	if len(names) == 0 {
		return nil, ErrNoModules
	}

	firstHop, err := catalog.NormalizeFingerprint(r.settings.FirstHop)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFirstHopNotFound, err)
	}
	if !r.catalog.Contains(firstHop) {
		return nil, fmt.Errorf("%w: %s (is it offline?)", ErrFirstHopNotFound, firstHop)
	}

	report := model.NewRunReport(firstHop, r.settings.Country)
	r.storeRun(report, r.storeCreate)

	slots := r.lookup(names)
	r.prepare(ctx, slots)

	for _, s := range slots {
		report.Modules = append(report.Modules, s.run)
		if s.run.Skipped() {
			continue
		}
		if ctx.Err() != nil {
			s.run.Error = "not run: scan interrupted"
			continue
		}

		err := r.runModule(ctx, firstHop, s.mod, s.run)
		switch {
		case err == nil:
			r.stats.IncModules()
		case isModuleError(err):
			s.run.Error = err.Error()
			r.logger.Error("module skipped", "module", s.run.Name, "error", err)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			r.logger.Warn("scan interrupted", "module", s.run.Name)
		default:
			r.finish(report)
			return report, fmt.Errorf("module %s: %w", s.run.Name, err)
		}
	}

	r.finish(report)
	r.logger.Info(r.stats.String())
	return report, nil
}

// isModuleError reports whether err only concerns one module.
func isModuleError(err error) bool {
	return errors.Is(err, ErrNoExits) ||
		errors.Is(err, selector.ErrUnresolvedDestination) ||
		errors.Is(err, catalog.ErrInvalidFingerprint)
}

func (r *Runner) lookup(names []string) []*slot {
	slots := make([]*slot, 0, len(names))
	for _, name := range names {
		s := &slot{run: &model.ModuleRun{Name: name}}
		m, err := r.registry.Lookup(name)
		if err != nil {
			s.run.Error = err.Error()
			r.logger.Error("failed to load module", "module", name, "error", err)
		}
		s.mod = m
		slots = append(slots, s)
	}
	return slots
}

// prepare runs the Prepare step of every module concurrently.
func (r *Runner) prepare(ctx context.Context, slots []*slot) {
	var g errgroup.Group
	for _, s := range slots {
		p, ok := s.mod.(module.Preparer)
		if !ok || s.run.Skipped() {
			continue
		}
		g.Go(func() error {
			if err := p.Prepare(ctx); err != nil {
				s.run.Error = fmt.Sprintf("preparation failed: %v", err)
				r.logger.Error("module preparation failed", "module", s.run.Name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // Errors are recorded per module
}

func (r *Runner) runModule(ctx context.Context, firstHop string, m module.Module, run *model.ModuleRun) error {
	logger := r.logger.With("module", m.Name())
	logger.Info("running module")

	started := time.Now()
	before := r.stats.Snapshot()
	defer func() {
		after := r.stats.Snapshot()
		run.Failed = after.FailedCircuits - before.FailedCircuits
		run.Probed = after.ProbedCircuits - before.ProbedCircuits
		run.Duration = time.Since(started)
		logger.Info("module finished",
			"attempted", run.Selected,
			"failed", run.Failed,
			"probed", run.Probed,
			"took", run.Duration.Round(time.Millisecond),
		)
	}()

	sel, err := selector.Select(ctx, r.catalog, selector.Options{
		Destinations: m.Destinations(),
		Country:      r.settings.Country,
		Fingerprint:  r.settings.Exit,
		Resolver:     r.resolver,
		Countries:    r.countries,
	})
	if err != nil {
		return err
	}
	logger.Debug("selected exit relays", "took", time.Since(started))
	logger.Info(sel.Summary(r.settings.Country))

	run.Selected = len(sel.Exits)
	run.ExitRelays = sel.Total
	if len(sel.Exits) == 0 {
		return fmt.Errorf("%w: exit selection yielded 0 exits", ErrNoExits)
	}

	engine, err := circuit.New(r.ctrl, r.stats,
		circuit.WithLogger(r.logger),
		circuit.WithModule(m.Name()),
		circuit.WithSocksAddr(r.settings.SocksAddr),
		circuit.WithCanaryTarget(r.canaryTarget(m)),
		circuit.WithProbeConcurrency(r.settings.ProbeConcurrency),
		circuit.WithRecorder(func(rec *model.ProbeRecord) { r.record(run, rec) }),
	)
	if err != nil {
		return err
	}
	defer engine.Close()

	unsubscribe, err := r.ctrl.Subscribe(ctx, engine)
	if err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}
	defer unsubscribe()

	logger.Debug("circuit creation delay",
		"delay", r.settings.BuildDelay,
		"total", time.Duration(len(sel.Exits))*r.settings.BuildDelay,
	)

	buildErr := BuildCircuits(ctx, BuildConfig{
		FirstHop: firstHop,
		Delay:    r.settings.BuildDelay,
		Logger:   logger,
	}, sel.Exits, r.ctrl, engine, m.Probe, r.stats)

	// Circuits already requested are accounted for even after an interrupt.
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.settings.DrainTimeout)
	defer cancel()
	if err := engine.Drain(drainCtx); err != nil {
		logger.Warn("giving up on outstanding circuits", "pending", engine.Pending(), "error", err)
		engine.Abort()
	}

	return buildErr
}

// canaryTarget picks the destination dialed to prove a circuit works: the
// module's first destination, which every selected exit allows.
func (r *Runner) canaryTarget(m module.Module) string {
	if r.settings.SocksAddr == "" {
		return ""
	}
	if dests := m.Destinations(); len(dests) > 0 {
		return dests[0].String()
	}
	return r.settings.CanaryTarget
}

func (r *Runner) record(run *model.ModuleRun, rec *model.ProbeRecord) {
	r.mu.Lock()
	run.Results = append(run.Results, rec)
	r.mu.Unlock()

	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.store.InsertProbeResult(ctx, r.runID(), rec); err != nil {
		r.logger.Warn("failed to store probe result", "exit", rec.ExitFingerprint, "error", err)
	}
}

func (r *Runner) finish(report *model.RunReport) {
	report.FinishedAt = time.Now()
	snap := r.stats.Snapshot()
	report.Stats = model.RunStats{
		TotalCircuits:  snap.TotalCircuits,
		FailedCircuits: snap.FailedCircuits,
		ProbedCircuits: snap.ProbedCircuits,
		ModulesRun:     snap.ModulesRun,
	}
	r.storeRun(report, r.storeFinish)
}

func (r *Runner) runID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

func (r *Runner) storeCreate(ctx context.Context, report *model.RunReport) error {
	if err := r.store.CreateRun(ctx, report); err != nil {
		return err
	}
	r.mu.Lock()
	r.id = report.ID
	r.mu.Unlock()
	return nil
}

func (r *Runner) storeFinish(ctx context.Context, report *model.RunReport) error {
	return r.store.FinishRun(ctx, report)
}

func (r *Runner) storeRun(report *model.RunReport, op func(context.Context, *model.RunReport) error) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := op(ctx, report); err != nil {
		r.logger.Warn("failed to store run", "error", err)
	}
}
