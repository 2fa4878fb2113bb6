package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

// Default configuration values.
const (
	// AppName is the application name used for XDG directory paths.
	AppName = "exitscan"

	// DefaultControlAddress is the standard Tor control port.
	DefaultControlAddress = "127.0.0.1:9051"

	// DefaultSocksAddress is the standard Tor SOCKS5 port.
	// We use 127.0.0.1 instead of localhost to avoid DNS resolution overhead
	// and potential issues with IPv6 resolution on some systems.
	DefaultSocksAddress = "127.0.0.1:9050"

	// DefaultBuildDelay is the pause between two circuit requests. Scanning
	// every exit at once would put a noticeable load on the network and on
	// the first hop.
	DefaultBuildDelay = 3 * time.Second

	// DefaultDrainTimeout bounds the wait for a module's outstanding
	// circuits after its last request.
	DefaultDrainTimeout = 2 * time.Minute

	// DefaultProbeTimeout bounds every HTTP request a built-in module makes.
	// Requests through a fresh three-hop circuit are slow.
	DefaultProbeTimeout = 30 * time.Second

	// DefaultProbeConcurrency bounds the probes running at once.
	DefaultProbeConcurrency = 16

	// DefaultTorStartupTimeout is the maximum time to wait for the embedded
	// Tor daemon to bootstrap. 3 minutes is typically sufficient for most
	// network conditions, but may need to be increased for slow connections.
	DefaultTorStartupTimeout = 3 * time.Minute

	// DefaultHistoryLimit is the number of rows the history command lists.
	DefaultHistoryLimit = 20
)

// Config holds all configuration options of a scan.
// It is populated from CLI flags and the optional configuration file and
// passed through the application rather than kept in global state.
type Config struct {
	// FirstHop is the fingerprint of the relay every circuit starts at,
	// usually the operator's own relay.
	FirstHop string

	// Modules are the names of the modules to run, in order.
	Modules []string

	// Country restricts the scan to exit relays in one country, given as a
	// two-letter code. Mutually exclusive with Exit.
	Country string

	// Exit scans a single exit relay. Mutually exclusive with Country.
	Exit string

	// ConsensusPath is a network-status consensus file. When empty the
	// consensus is fetched from Tor and cached in WorkDir.
	ConsensusPath string

	// DescriptorsPath is an optional server descriptor file with full exit
	// policies.
	DescriptorsPath string

	// GeoIPPath is an optional Tor geoip file used to resolve countries.
	GeoIPPath string

	// BuildDelay is the pause between two circuit requests.
	BuildDelay time.Duration

	// WorkDir holds the cached consensus.
	// Defaults to the XDG cache directory (~/.cache/exitscan on Linux).
	WorkDir string

	// UseExternalTor disables the embedded Tor daemon. ControlAddress and
	// SocksAddress must then point at a running daemon.
	//
	// Note: The embedded Tor daemon takes 1-3 minutes to bootstrap and connect
	// to the Tor network on first start.
	UseExternalTor bool

	// ControlAddress is the control port of an external daemon.
	ControlAddress string

	// SocksAddress is the SOCKS port of an external daemon.
	SocksAddress string

	// ControlPassword authenticates with HASHEDPASSWORD when the daemon
	// requires it.
	ControlPassword string

	// TorStartupTimeout is the maximum time to wait for the embedded Tor daemon
	// to start and bootstrap. Only used when UseExternalTor is false.
	TorStartupTimeout time.Duration

	// ProbeConcurrency bounds the probes running at once.
	ProbeConcurrency int

	// ProbeTimeout bounds the HTTP requests of the built-in modules.
	ProbeTimeout time.Duration

	// DrainTimeout bounds the wait for outstanding circuits of a module.
	DrainTimeout time.Duration

	// ConfigFilePath is the path to the configuration file.
	// If empty, the tool searches for .exitscan in the current directory
	// and then in the user's home directory.
	ConfigFilePath string

	// File holds the loaded configuration file. Never nil after LoadFile.
	File *File

	// MetricsAddr serves Prometheus metrics on this address during the
	// scan when set.
	MetricsAddr string

	// JSONReport enables JSON report output instead of human-readable format.
	// Mutually exclusive with MarkdownReport.
	JSONReport bool

	// MarkdownReport enables Markdown report output instead of human-readable format.
	// Mutually exclusive with JSONReport.
	MarkdownReport bool

	// ReportFile is the output file path for the report.
	// When set, the report is written to this file instead of stdout.
	// Directories are created automatically if they don't exist.
	ReportFile string

	// DBDir is the directory of the result database.
	// Defaults to XDG data directory (~/.local/share/exitscan on Linux).
	DBDir string

	// Verbosity is the log level name.
	Verbosity string
}

// NewConfig creates a new Config with default values.
func NewConfig() *Config {
	return &Config{
		BuildDelay:        DefaultBuildDelay,
		WorkDir:           XDGCacheDir(),
		ControlAddress:    DefaultControlAddress,
		SocksAddress:      DefaultSocksAddress,
		TorStartupTimeout: DefaultTorStartupTimeout,
		ProbeConcurrency:  DefaultProbeConcurrency,
		ProbeTimeout:      DefaultProbeTimeout,
		DrainTimeout:      DefaultDrainTimeout,
		File:              NewFile(),
		DBDir:             XDGDataDir(),
		Verbosity:         "info",
	}
}

// XDGDataDir returns the XDG data directory for exitscan.
// On Linux: ~/.local/share/exitscan
// On macOS: ~/Library/Application Support/exitscan
// On Windows: %LOCALAPPDATA%\exitscan
func XDGDataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// XDGConfigDir returns the XDG config directory for exitscan.
func XDGConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// XDGCacheDir returns the XDG cache directory for exitscan.
// On Linux: ~/.cache/exitscan
// On macOS: ~/Library/Caches/exitscan
// On Windows: %LOCALAPPDATA%\exitscan\cache
func XDGCacheDir() string {
	return filepath.Join(xdg.CacheHome, AppName)
}

// Validate checks if the configuration is valid.
// It returns the first problem found as a sentinel error.
func (c *Config) Validate() error {
	if c.FirstHop == "" {
		return ErrNoFirstHop
	}

	if len(c.Modules) == 0 {
		return ErrNoModules
	}

	if c.Country != "" && c.Exit != "" {
		return ErrConflictingExitSelection
	}

	if c.Country != "" && !isCountryCode(c.Country) {
		return ErrInvalidCountry
	}

	if c.BuildDelay < 0 {
		return ErrInvalidBuildDelay
	}

	if c.ProbeTimeout <= 0 || c.TorStartupTimeout <= 0 {
		return ErrInvalidTimeout
	}

	if c.DrainTimeout <= 0 {
		return ErrInvalidDrainTimeout
	}

	if c.ProbeConcurrency <= 0 {
		return ErrInvalidProbeConcurrency
	}

	if c.UseExternalTor && c.ControlAddress == "" {
		return ErrNoControlAddress
	}

	if c.JSONReport && c.MarkdownReport {
		return ErrConflictingReportFormats
	}

	return nil
}

// isCountryCode reports whether s is a two-letter country code.
func isCountryCode(s string) bool {
	if len(s) != 2 {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}
