// Package circuit correlates Tor's asynchronous circuit and stream events
// with the circuits a module run requested, and hands every circuit that
// carries a working stream to the module's probe exactly once.
//
// Circuits are requested by exit fingerprint before Tor has assigned them an
// id. The Engine keys each request by fingerprint and learns the id either
// from the EXTENDCIRCUIT acknowledgement (Bind) or from the first event
// whose path ends at that exit, whichever comes first.
//
// Every circuit moves through
//
//	Requested -> Extending -> Built -> StreamAttached -> Probed
//
// or ends early in Failed (before it was built) or Closed (after). Each
// terminal transition removes the circuit from the engine, so late and
// duplicate events find nothing and have no effect.
package circuit
