package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/nao1215/exitscan/internal/catalog"
	"github.com/nao1215/exitscan/internal/config"
	"github.com/nao1215/exitscan/internal/database"
	"github.com/nao1215/exitscan/internal/log"
	"github.com/nao1215/exitscan/internal/model"
	"github.com/nao1215/exitscan/internal/module"
	"github.com/nao1215/exitscan/internal/report"
	"github.com/nao1215/exitscan/internal/scan"
	"github.com/nao1215/exitscan/internal/stats"
	"github.com/nao1215/exitscan/internal/tor"
)

// NewScanCmd creates the scan command.
func NewScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan <first-hop> <module>...",
		Short: "Scan exit relays with one or more modules",
		Long: `Scan builds a two-hop circuit from the first hop to every exit relay that
allows the destinations of a module, and runs the module over each circuit.

The first hop is the fingerprint of a relay you run: all circuits start
there, so keep the build delay generous. Modules run one after another.

By default, an embedded Tor daemon is started automatically (takes 1-3 minutes).
Use --external-tor to use the control port of an existing daemon instead.

Examples:
  # Check every exit relay against check.torproject.org
  exitscan scan 9695DFC35FFEB861329B9F1AB04C46397020CE31 checktest

  # Only exit relays in Germany, faster pacing
  exitscan scan -C de -d 1s $FIRST_HOP checktest httpcontent

  # A single exit relay through an already running daemon
  exitscan scan --external-tor 127.0.0.1:9051 -e $EXIT $FIRST_HOP httpcontent

  # Markdown report written to a file
  exitscan scan -m -o report.md $FIRST_HOP checktest`,
		Args: cobra.MinimumNArgs(2),
		RunE: runScanCmd,
	}

	// Exit selection flags
	cmd.Flags().StringP("country", "C", "",
		"Only scan exit relays in this country (two-letter code)")
	cmd.Flags().StringP("exit", "e", "",
		"Only scan the exit relay with this fingerprint")

	// Relay data flags
	cmd.Flags().StringP("consensus", "c", "",
		"Consensus file (default: fetched from Tor and cached in the temp dir)")
	cmd.Flags().String("descriptors", "",
		"Server descriptor file with full exit policies")
	cmd.Flags().String("geoip", "",
		"Tor geoip file used to resolve relay countries")

	// Pacing flags
	cmd.Flags().DurationP("build-delay", "d", config.DefaultBuildDelay,
		"Wait time between two circuit requests")
	cmd.Flags().Duration("drain-timeout", config.DefaultDrainTimeout,
		"Maximum wait for outstanding circuits after the last request of a module")
	cmd.Flags().Int("probe-concurrency", config.DefaultProbeConcurrency,
		"Maximum number of probes running at once")
	cmd.Flags().Duration("probe-timeout", config.DefaultProbeTimeout,
		"Timeout of each HTTP request a module makes")
	cmd.Flags().StringP("temp-dir", "t", config.XDGCacheDir(),
		"Work directory holding the cached consensus")

	// Tor daemon flags
	cmd.Flags().String("external-tor", "",
		"Use an external Tor daemon with this control port instead of the embedded one")
	cmd.Flags().Lookup("external-tor").NoOptDefVal = config.DefaultControlAddress
	cmd.Flags().String("socks-addr", config.DefaultSocksAddress,
		"SOCKS port of the external Tor daemon")
	cmd.Flags().String("control-password", "",
		"Control port password of the external Tor daemon")
	cmd.Flags().DurationP("tor-timeout", "T", config.DefaultTorStartupTimeout,
		"Timeout for embedded Tor daemon startup")

	// Configuration file
	cmd.Flags().String("config", "",
		"Configuration file path (default: .exitscan in current or home directory)")

	// Metrics
	cmd.Flags().String("metrics-addr", "",
		"Serve Prometheus metrics on this address while scanning")

	// Report flags
	cmd.Flags().BoolP("json", "j", false,
		"Output JSON report (mutually exclusive with --markdown)")
	cmd.Flags().BoolP("markdown", "m", false,
		"Output Markdown report (mutually exclusive with --json)")
	cmd.Flags().StringP("output", "o", "",
		"Write report to specified file path (creates directories if needed)")

	return cmd
}

// runScanCmd executes the scan command.
func runScanCmd(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(cmd, args)
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger, level, err := setupLogger(cfg.Verbosity)
	if err != nil {
		return err
	}

	// Set up context with signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logger.Warn("received shutdown signal, waiting for outstanding circuits...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return runScan(ctx, cfg, logger, level <= slog.LevelDebug, cmd.OutOrStdout())
}

// buildConfig creates a Config from cobra command flags and the
// configuration file.
func buildConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg := config.NewConfig()
	flags := cmd.Flags()

	cfg.FirstHop = args[0]
	cfg.Modules = args[1:]
	cfg.Verbosity = getVerbosity(cmd)

	strFlags := []struct {
		name string
		dst  *string
	}{
		{"country", &cfg.Country},
		{"exit", &cfg.Exit},
		{"consensus", &cfg.ConsensusPath},
		{"descriptors", &cfg.DescriptorsPath},
		{"geoip", &cfg.GeoIPPath},
		{"temp-dir", &cfg.WorkDir},
		{"socks-addr", &cfg.SocksAddress},
		{"control-password", &cfg.ControlPassword},
		{"config", &cfg.ConfigFilePath},
		{"metrics-addr", &cfg.MetricsAddr},
		{"output", &cfg.ReportFile},
	}
	for _, f := range strFlags {
		v, err := flags.GetString(f.name)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}

	durFlags := []struct {
		name string
		dst  *time.Duration
	}{
		{"build-delay", &cfg.BuildDelay},
		{"drain-timeout", &cfg.DrainTimeout},
		{"probe-timeout", &cfg.ProbeTimeout},
		{"tor-timeout", &cfg.TorStartupTimeout},
	}
	for _, f := range durFlags {
		v, err := flags.GetDuration(f.name)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}

	var err error
	cfg.ProbeConcurrency, err = flags.GetInt("probe-concurrency")
	if err != nil {
		return nil, err
	}

	externalTor, err := flags.GetString("external-tor")
	if err != nil {
		return nil, err
	}
	if externalTor != "" {
		cfg.UseExternalTor = true
		cfg.ControlAddress = externalTor
	}

	cfg.JSONReport, err = flags.GetBool("json")
	if err != nil {
		return nil, err
	}
	cfg.MarkdownReport, err = flags.GetBool("markdown")
	if err != nil {
		return nil, err
	}

	// If the user explicitly specified a config file path, error if not found.
	// Otherwise silently use an empty file.
	if _, err := cfg.LoadFile(); err != nil {
		return nil, err
	}
	cfg.File.Apply(cfg, flags.Changed)

	return cfg, nil
}

// runScan executes the scan.
func runScan(ctx context.Context, cfg *config.Config, logger *slog.Logger, verbose bool, stdout io.Writer) error {
	logger.Info("starting scan",
		"firstHop", cfg.FirstHop,
		"modules", cfg.Modules,
		"useExternalTor", cfg.UseExternalTor,
		"buildDelay", cfg.BuildDelay,
	)

	ctrl, socksAddr, stop, err := connectTor(ctx, cfg, logger, stdout)
	if err != nil {
		return err
	}
	defer stop()

	reg := prometheus.NewRegistry()
	st := stats.New(stats.WithRegisterer(reg))
	if cfg.MetricsAddr != "" {
		shutdown := serveMetrics(cfg.MetricsAddr, reg, logger)
		defer shutdown()
	}

	cat, err := scan.LoadCatalog(ctx, catalog.Sources{
		ConsensusPath:   cfg.ConsensusPath,
		DescriptorsPath: cfg.DescriptorsPath,
		GeoIPPath:       cfg.GeoIPPath,
	}, ctrl, cfg.WorkDir, logger)
	if err != nil {
		return err
	}

	db, err := database.Open(cfg.DBDir, database.DefaultOptions())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	logger.Info("database opened", "path", db.Path())

	runner := scan.NewRunner(ctrl, cat, module.Builtin(moduleSettings(cfg)), st,
		scan.Settings{
			FirstHop:         cfg.FirstHop,
			Country:          cfg.Country,
			Exit:             cfg.Exit,
			BuildDelay:       cfg.BuildDelay,
			SocksAddr:        socksAddr,
			ProbeConcurrency: cfg.ProbeConcurrency,
			DrainTimeout:     cfg.DrainTimeout,
		},
		scan.WithLogger(logger),
		scan.WithCountryResolver(ctrl),
		scan.WithStore(db),
	)

	startTime := time.Now()
	runReport, runErr := runner.Run(ctx, cfg.Modules)
	if runReport != nil {
		fmt.Fprintf(stdout, "Scan completed in %s\n", time.Since(startTime).Round(time.Millisecond))
		if err := outputReport(cfg, runReport, verbose, stdout); err != nil {
			logger.Error("report failed", "error", err)
		}
	}
	if runErr != nil {
		logger.Log(context.WithoutCancel(ctx), log.LevelCritical, "scan aborted", "error", runErr)
	}
	return runErr
}

// connectTor starts the embedded daemon or connects to an external one,
// authenticates and prepares the daemon for scanning. The returned stop
// function closes the control connection and stops the embedded daemon.
func connectTor(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout io.Writer) (*tor.Controller, string, func(), error) {
	opts := []tor.ControllerOption{tor.WithControllerLogger(logger)}

	var (
		ctrl      *tor.Controller
		socksAddr string
		stop      = func() {}
		err       error
	)

	if cfg.UseExternalTor {
		if status := tor.CheckSOCKS(ctx, cfg.SocksAddress); status != tor.ProxyStatusOK {
			return nil, "", nil, fmt.Errorf("tor SOCKS check failed: %w (make sure Tor is running at %s)",
				status.Error(), cfg.SocksAddress)
		}
		ctrl, err = tor.DialControl(ctx, cfg.ControlAddress, opts...)
		if err != nil {
			return nil, "", nil, fmt.Errorf("failed to connect to control port %s: %w", cfg.ControlAddress, err)
		}
		if err := ctrl.Authenticate(ctx, cfg.ControlPassword); err != nil {
			_ = ctrl.Close() //nolint:errcheck // Already failing
			return nil, "", nil, fmt.Errorf("failed to authenticate with Tor: %w", err)
		}
		socksAddr = cfg.SocksAddress
		logger.Info("connected to external Tor", "control", cfg.ControlAddress, "socks", socksAddr)
	} else {
		embeddedTor, err := startEmbeddedTor(ctx, cfg, logger, stdout)
		if err != nil {
			return nil, "", nil, err
		}
		stop = func() {
			logger.Info("stopping embedded Tor daemon...")
			if err := embeddedTor.Stop(); err != nil {
				logger.Error("failed to stop embedded Tor", "error", err)
			}
		}
		ctrl, err = embeddedTor.Controller(ctx, opts...)
		if err != nil {
			stop()
			return nil, "", nil, fmt.Errorf("failed to connect to embedded Tor: %w", err)
		}
		socksAddr = embeddedTor.SocksAddr()
	}

	closeAll := func() {
		if err := ctrl.Close(); err != nil && !errors.Is(err, tor.ErrControllerClosed) {
			logger.Warn("failed to close control connection", "error", err)
		}
		stop()
	}

	if err := ctrl.PrepareForScanning(ctx); err != nil {
		closeAll()
		return nil, "", nil, fmt.Errorf("failed to configure Tor for scanning: %w", err)
	}

	return ctrl, socksAddr, closeAll, nil
}

// startEmbeddedTor starts an embedded Tor daemon using tornago.
func startEmbeddedTor(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout io.Writer) (*tor.EmbeddedTor, error) {
	fmt.Fprintln(stdout, "Starting embedded Tor daemon...")
	fmt.Fprintf(stdout, "This may take 1-3 minutes while Tor bootstraps and connects to the network.\n\n")

	embeddedTor := tor.NewEmbeddedTor(
		tor.WithStartupTimeout(cfg.TorStartupTimeout),
	)

	if err := embeddedTor.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start embedded Tor: %w", err)
	}

	logger.Info("embedded Tor daemon started",
		"socksAddr", embeddedTor.SocksAddr(),
		"controlAddr", embeddedTor.ControlAddr(),
	)
	fmt.Fprintf(stdout, "Embedded Tor daemon started successfully!\n\n")

	return embeddedTor, nil
}

// serveMetrics serves the Prometheus registry on addr until the returned
// function is called.
func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx) //nolint:errcheck // Best effort on exit
	}
}

// newReportWriter returns the writer of the requested format.
func newReportWriter(cfg *config.Config, w io.Writer, verbose bool) report.Writer {
	switch {
	case cfg.JSONReport:
		return report.NewFullJSONWriter(w, getVersion(), report.WithPrettyPrint())
	case cfg.MarkdownReport:
		return report.NewMarkdownWriter(w)
	default:
		return report.NewSimpleWriter(w, report.WithVerbose(verbose))
	}
}

// outputReport outputs the run report in the requested format. A report
// written to a file is accompanied by the text summary on stdout.
func outputReport(cfg *config.Config, runReport *model.RunReport, verbose bool, stdout io.Writer) error {
	if cfg.ReportFile == "" {
		_, err := newReportWriter(cfg, stdout, verbose).Write(runReport)
		return err
	}

	dir := filepath.Dir(cfg.ReportFile)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	// Reports name relays and addresses; keep them private to the owner.
	f, err := os.OpenFile(cfg.ReportFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()

	w := report.NewMultiWriter(
		report.NewSimpleWriter(stdout, report.WithVerbose(verbose)),
		newReportWriter(cfg, f, verbose),
	)
	if _, err := w.Write(runReport); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Report written to %s\n", cfg.ReportFile)
	return nil
}
