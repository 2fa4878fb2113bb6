package config

import "time"

// File represents the structure of the .exitscan configuration file.
type File struct {
	// Tor configures the connection to an external daemon.
	Tor TorConfig `yaml:"tor,omitempty"`

	// Scan holds scan defaults. Command line flags take precedence.
	Scan ScanConfig `yaml:"scan,omitempty"`

	// Defaults contains module configuration applied to all modules
	// unless overridden in Modules.
	Defaults ModuleConfig `yaml:"defaults,omitempty"`

	// Modules maps module names to their configuration.
	Modules map[string]ModuleConfig `yaml:"modules,omitempty"`
}

// TorConfig holds the settings of an external Tor daemon. Setting Control
// selects the external daemon over the embedded one.
type TorConfig struct {
	Control        string        `yaml:"control,omitempty"`
	Socks          string        `yaml:"socks,omitempty"`
	Password       string        `yaml:"password,omitempty"`
	StartupTimeout time.Duration `yaml:"startupTimeout,omitempty"`
}

// ScanConfig holds scan defaults.
type ScanConfig struct {
	Country          string        `yaml:"country,omitempty"`
	BuildDelay       time.Duration `yaml:"buildDelay,omitempty"`
	DrainTimeout     time.Duration `yaml:"drainTimeout,omitempty"`
	ProbeConcurrency int           `yaml:"probeConcurrency,omitempty"`
	ProbeTimeout     time.Duration `yaml:"probeTimeout,omitempty"`
	Consensus        string        `yaml:"consensus,omitempty"`
	Descriptors      string        `yaml:"descriptors,omitempty"`
	GeoIP            string        `yaml:"geoip,omitempty"`
	WorkDir          string        `yaml:"workDir,omitempty"`
	MetricsAddr      string        `yaml:"metricsAddr,omitempty"`
}

// ModuleConfig holds the configuration of one module.
type ModuleConfig struct {
	// URL replaces the document the module fetches through each exit.
	URL string `yaml:"url,omitempty"`

	// Timeout overrides the probe timeout for the module.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// NewFile returns an empty configuration file.
func NewFile() *File {
	return &File{Modules: make(map[string]ModuleConfig)}
}

// GetModuleConfig returns the configuration for a module.
// It merges the module-specific configuration with defaults.
func (cf *File) GetModuleConfig(name string) ModuleConfig {
	result := cf.Defaults

	if mc, ok := cf.Modules[name]; ok {
		if mc.URL != "" {
			result.URL = mc.URL
		}
		if mc.Timeout != 0 {
			result.Timeout = mc.Timeout
		}
	}

	return result
}

// Apply copies the file's settings into c. Settings whose command line
// flag was given, as reported by changed, are left alone.
func (cf *File) Apply(c *Config, changed func(flag string) bool) {
	str := func(flag, v string, dst *string) {
		if v != "" && !changed(flag) {
			*dst = v
		}
	}
	dur := func(flag string, v time.Duration, dst *time.Duration) {
		if v != 0 && !changed(flag) {
			*dst = v
		}
	}

	if cf.Tor.Control != "" && !changed("external-tor") {
		c.UseExternalTor = true
		c.ControlAddress = cf.Tor.Control
	}
	str("socks-addr", cf.Tor.Socks, &c.SocksAddress)
	str("control-password", cf.Tor.Password, &c.ControlPassword)
	dur("tor-timeout", cf.Tor.StartupTimeout, &c.TorStartupTimeout)

	// A country from the file must not clash with an exit given on the
	// command line.
	if !changed("exit") {
		str("country", cf.Scan.Country, &c.Country)
	}
	dur("build-delay", cf.Scan.BuildDelay, &c.BuildDelay)
	dur("drain-timeout", cf.Scan.DrainTimeout, &c.DrainTimeout)
	dur("probe-timeout", cf.Scan.ProbeTimeout, &c.ProbeTimeout)
	if cf.Scan.ProbeConcurrency != 0 && !changed("probe-concurrency") {
		c.ProbeConcurrency = cf.Scan.ProbeConcurrency
	}
	str("consensus", cf.Scan.Consensus, &c.ConsensusPath)
	str("descriptors", cf.Scan.Descriptors, &c.DescriptorsPath)
	str("geoip", cf.Scan.GeoIP, &c.GeoIPPath)
	str("temp-dir", cf.Scan.WorkDir, &c.WorkDir)
	str("metrics-addr", cf.Scan.MetricsAddr, &c.MetricsAddr)
}
