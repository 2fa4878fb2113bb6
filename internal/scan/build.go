package scan

import (
	"context"
	"log/slog"
	"time"

	"github.com/nao1215/exitscan/internal/catalog"
	"github.com/nao1215/exitscan/internal/circuit"
	"github.com/nao1215/exitscan/internal/stats"
)

// CircuitRequester asks Tor for a circuit along an explicit path.
type CircuitRequester interface {
	ExtendCircuit(ctx context.Context, path []string) (string, error)
}

// Tracker is told about every circuit request. *circuit.Engine satisfies it.
type Tracker interface {
	Register(exit *catalog.Relay, probe circuit.ProbeFunc) error
	Bind(fp, circuitID string)
	Abandon(fp string)
}

// BuildConfig holds the parameters of the build loop.
type BuildConfig struct {
	// FirstHop is the fingerprint every circuit starts at.
	FirstHop string

	// Delay is the pause after each request.
	Delay time.Duration

	Logger *slog.Logger
}

// BuildCircuits requests a two-hop circuit from cfg.FirstHop to every exit,
// in order, pausing cfg.Delay after each request. It does not wait for any
// circuit to be built. A rejected request counts as a failed circuit and
// the loop moves on. Cancelling ctx stops further requests.
func BuildCircuits(
	ctx context.Context,
	cfg BuildConfig,
	exits []*catalog.Relay,
	requester CircuitRequester,
	tracker Tracker,
	probe circuit.ProbeFunc,
	st *stats.Statistics,
) error {
	if len(exits) == 0 {
		return ErrNoExits
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	st.AddCircuits(len(exits))

	started := time.Now()
	logger.Debug("triggering circuit creations", "count", len(exits), "delay", cfg.Delay)

	for _, exit := range exits {
		if err := ctx.Err(); err != nil {
			return err
		}
		request(ctx, cfg.FirstHop, exit, requester, tracker, probe, st, logger)
		if err := sleep(ctx, cfg.Delay); err != nil {
			return err
		}
	}

	logger.Debug("done triggering circuit creations", "took", time.Since(started))
	return nil
}

func request(
	ctx context.Context,
	firstHop string,
	exit *catalog.Relay,
	requester CircuitRequester,
	tracker Tracker,
	probe circuit.ProbeFunc,
	st *stats.Statistics,
	logger *slog.Logger,
) {
	if err := tracker.Register(exit, probe); err != nil {
		st.IncFailed()
		logger.Warn("circuit could not be created", "exit", exit.Fingerprint, "error", err)
		return
	}

	id, err := requester.ExtendCircuit(ctx, []string{firstHop, exit.Fingerprint})
	if err != nil {
		tracker.Abandon(exit.Fingerprint)
		st.IncFailed()
		logger.Warn("circuit could not be created", "exit", exit.Fingerprint, "error", err)
		return
	}
	tracker.Bind(exit.Fingerprint, id)
}

// sleep pauses for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
