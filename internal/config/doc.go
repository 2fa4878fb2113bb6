// Package config provides configuration management for exitscan.
//
// Configuration comes from two places, in order of precedence:
//   - command line flags
//   - a YAML configuration file (.exitscan in the current or home
//     directory, config.yaml in the XDG config directory, or --config)
//
// Config is a flat struct created with NewConfig, filled from flags,
// merged with File.Apply and checked once with Validate before the scan
// starts. Module settings live in the file only and are read with
// File.GetModuleConfig.
//
// # Configuration File
//
//	tor:
//	  control: 127.0.0.1:9051
//	  socks: 127.0.0.1:9050
//	scan:
//	  buildDelay: 5s
//	  country: de
//	defaults:
//	  timeout: 45s
//	modules:
//	  httpcontent:
//	    url: http://example.org/file.bin
//
// Paths default to the XDG Base Directory locations: the result database
// lives in the data directory and the cached consensus in the cache
// directory.
package config
