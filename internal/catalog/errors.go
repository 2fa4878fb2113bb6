package catalog

import "errors"

// Catalog loading errors.
var (
	// ErrConsensusNotFound is returned when the consensus snapshot path does not exist.
	ErrConsensusNotFound = errors.New("consensus not found")

	// ErrNotAFile is returned when the consensus snapshot path is a directory.
	ErrNotAFile = errors.New("consensus path is not a regular file")

	// ErrEmptyConsensus is returned when a consensus contains no router entries.
	ErrEmptyConsensus = errors.New("consensus contains no relays")

	// ErrMalformedConsensus is returned when a router entry cannot be parsed.
	ErrMalformedConsensus = errors.New("malformed consensus entry")

	// ErrMalformedPolicy is returned when an exit policy rule cannot be parsed.
	ErrMalformedPolicy = errors.New("malformed exit policy")

	// ErrMalformedGeoIP is returned when a GeoIP database line cannot be parsed.
	ErrMalformedGeoIP = errors.New("malformed geoip entry")

	// ErrInvalidFingerprint is returned when a relay fingerprint is not
	// 40 hexadecimal characters.
	ErrInvalidFingerprint = errors.New("invalid relay fingerprint: expected 40 hex characters")

	// ErrUnknownCountry is returned when no country is known for an address.
	ErrUnknownCountry = errors.New("no country known for address")
)
