package catalog

import (
	"bufio"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
)

// maxLineSize bounds a single document line. Consensus lines are short, but
// descriptors carry long base64 blocks.
const maxLineSize = 1024 * 1024

// ParseConsensus reads router entries from a v3 network-status consensus.
// Both the full ("ns") and the microdescriptor flavour are understood.
//
// Only the "r", "s" and "p" lines are used. Entries without a "p" line
// get an empty policy, which rejects everything.
func ParseConsensus(r io.Reader) ([]*Relay, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var relays []*Relay
	var current *Relay
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		keyword, rest, _ := strings.Cut(line, " ")

		switch keyword {
		case "r":
			relay, err := parseRouterLine(rest)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			relays = append(relays, relay)
			current = relay
		case "s":
			if current != nil {
				current.Flags = strings.Fields(rest)
			}
		case "p":
			if current == nil {
				continue
			}
			policy, err := ParsePortSummary(rest)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			current.Policy = policy
		case "directory-footer":
			current = nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read consensus: %w", err)
	}

	if len(relays) == 0 {
		return nil, ErrEmptyConsensus
	}

	return relays, nil
}

// parseRouterLine parses the fields following "r ".
//
//	ns:       nickname identity digest date time address orport dirport
//	microdesc: nickname identity date time address orport dirport
func parseRouterLine(rest string) (*Relay, error) {
	fields := strings.Fields(rest)

	var addrIdx int
	switch len(fields) {
	case 8:
		addrIdx = 5
	case 7:
		addrIdx = 4
	default:
		return nil, fmt.Errorf("%w: unexpected field count %d", ErrMalformedConsensus, len(fields))
	}

	identity, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(fields[1], "="))
	if err != nil || len(identity) != 20 {
		return nil, fmt.Errorf("%w: bad identity %q", ErrMalformedConsensus, fields[1])
	}

	addr, err := netip.ParseAddr(fields[addrIdx])
	if err != nil {
		return nil, fmt.Errorf("%w: bad address %q", ErrMalformedConsensus, fields[addrIdx])
	}

	orPort, err := strconv.ParseUint(fields[addrIdx+1], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ORPort %q", ErrMalformedConsensus, fields[addrIdx+1])
	}

	return &Relay{
		Fingerprint: strings.ToUpper(hex.EncodeToString(identity)),
		Nickname:    fields[0],
		Address:     addr,
		ORPort:      uint16(orPort),
	}, nil
}

// ParseDescriptors reads server descriptors (the "cached-descriptors" file
// format) and returns the full exit policy of each relay, keyed by
// fingerprint. Descriptors without a fingerprint line are skipped.
func ParseDescriptors(r io.Reader) (map[string]ExitPolicy, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	policies := make(map[string]ExitPolicy)
	var fingerprint string
	var rules []string
	inRouter := false

	flush := func() error {
		defer func() {
			fingerprint = ""
			rules = rules[:0]
		}()
		if !inRouter || fingerprint == "" {
			return nil
		}
		policy, err := ParsePolicy(rules)
		if err != nil {
			return fmt.Errorf("descriptor %s: %w", fingerprint, err)
		}
		policies[fingerprint] = policy
		return nil
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		keyword, rest, _ := strings.Cut(line, " ")

		switch keyword {
		case "router":
			if err := flush(); err != nil {
				return nil, err
			}
			inRouter = true
		case "fingerprint":
			fp, err := NormalizeFingerprint(rest)
			if err != nil {
				return nil, err
			}
			fingerprint = fp
		case "accept", "reject":
			if inRouter {
				rules = append(rules, line)
			}
		case "router-signature":
			if err := flush(); err != nil {
				return nil, err
			}
			inRouter = false
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read descriptors: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	return policies, nil
}
