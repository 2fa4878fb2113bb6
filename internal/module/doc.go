// Package module defines probe modules and the two modules exitscan ships
// with.
//
// A module declares the destinations it needs to reach, so that only exit
// relays whose policy allows them are selected, and a Probe function that
// runs once per exit over a circuit ending at that exit. The Invocation
// handed to Probe carries a dialer pinned to the circuit; every connection
// made with it leaves the Tor network at the exit under test.
package module
