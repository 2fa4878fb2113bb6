// Package tor talks to the Tor daemon a scan runs on.
//
// It has three parts:
//   - EmbeddedTor starts a private daemon with tornago.
//   - Controller speaks the control port protocol: authentication,
//     configuration, circuit creation, stream attachment and the CIRC and
//     STREAM event feed.
//   - CircuitDialer opens SOCKS5 connections whose streams can be matched
//     to a circuit through their local port.
//
// Components receive these values explicitly; the package keeps no global
// state.
package tor
