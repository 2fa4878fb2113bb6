// Package catalog provides the relay catalog consumed by the exit selector.
//
// A catalog is built from a Tor network-status consensus. The consensus only
// carries port-summary exit policies ("p accept 80,443"), so the catalog can
// optionally be enriched with full server descriptors, whose accept/reject
// lines take addresses into account, and with a Tor GeoIP database used for
// country filtering.
//
// Relay records are immutable once a Catalog has been built. Other packages
// hold *Relay pointers and must not modify them.
package catalog
