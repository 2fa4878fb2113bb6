// Package main provides the entry point for the exitscan CLI.
//
// exitscan builds a two-hop circuit from a relay you run to every exit
// relay that allows the destinations of a probe module, and runs the
// module over each circuit to detect exit relays that tamper with traffic.
//
// Usage:
//
//	exitscan scan <first-hop-fingerprint> <module>...
//	exitscan history
//
// See --help for all available options.
package main

// main is the entry point for exitscan.
func main() {
	Execute()
}
