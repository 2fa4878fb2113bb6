package tor

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/nao1215/exitscan/internal/catalog"
)

// CircuitStatus is the status field of a CIRC event.
type CircuitStatus string

// Circuit statuses reported by Tor.
const (
	CircuitLaunched  CircuitStatus = "LAUNCHED"
	CircuitBuilt     CircuitStatus = "BUILT"
	CircuitGuardWait CircuitStatus = "GUARD_WAIT"
	CircuitExtended  CircuitStatus = "EXTENDED"
	CircuitFailed    CircuitStatus = "FAILED"
	CircuitClosed    CircuitStatus = "CLOSED"
)

// StreamStatus is the status field of a STREAM event.
type StreamStatus string

// Stream statuses reported by Tor.
const (
	StreamNew         StreamStatus = "NEW"
	StreamNewResolve  StreamStatus = "NEWRESOLVE"
	StreamRemap       StreamStatus = "REMAP"
	StreamSentConnect StreamStatus = "SENTCONNECT"
	StreamSentResolve StreamStatus = "SENTRESOLVE"
	StreamSucceeded   StreamStatus = "SUCCEEDED"
	StreamFailed      StreamStatus = "FAILED"
	StreamClosed      StreamStatus = "CLOSED"
	StreamDetached    StreamStatus = "DETACHED"
)

// Hop is one relay of a circuit path.
type Hop struct {
	Fingerprint string
	Nickname    string
}

// CircuitEvent is a parsed "650 CIRC" event.
type CircuitEvent struct {
	ID      string
	Status  CircuitStatus
	Path    []Hop
	Purpose string
	Reason  string
}

// LastHop returns the final relay of the path and false when the path is
// empty.
func (e CircuitEvent) LastHop() (Hop, bool) {
	if len(e.Path) == 0 {
		return Hop{}, false
	}
	return e.Path[len(e.Path)-1], true
}

// StreamEvent is a parsed "650 STREAM" event.
type StreamEvent struct {
	ID string
	// CircuitID is "0" while the stream is unattached.
	CircuitID  string
	Status     StreamStatus
	Target     string
	SourceAddr string
	Purpose    string
	Reason     string
}

// SourcePort returns the local port of the application connection that
// created the stream, or 0 when Tor did not report one.
func (e StreamEvent) SourcePort() uint16 {
	if e.SourceAddr == "" {
		return 0
	}
	_, port, err := net.SplitHostPort(e.SourceAddr)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(n)
}

// Unattached reports whether the stream has no circuit yet.
func (e StreamEvent) Unattached() bool {
	return e.CircuitID == "" || e.CircuitID == "0"
}

// ParseCircuitEvent parses the text of a CIRC event without the "650 "
// prefix:
//
//	CIRC 12 BUILT $FP~nick,$FP~nick BUILD_FLAGS=NEED_CAPACITY PURPOSE=GENERAL
func ParseCircuitEvent(line string) (CircuitEvent, error) {
	tokens := tokenize(line)
	if len(tokens) < 3 || tokens[0] != "CIRC" {
		return CircuitEvent{}, fmt.Errorf("%w: %q", ErrMalformedEvent, line)
	}

	ev := CircuitEvent{
		ID:     tokens[1],
		Status: CircuitStatus(tokens[2]),
	}

	rest := tokens[3:]
	if len(rest) > 0 && isPath(rest[0]) {
		path, err := parsePath(rest[0])
		if err != nil {
			return CircuitEvent{}, fmt.Errorf("%w: %q: %v", ErrMalformedEvent, line, err)
		}
		ev.Path = path
		rest = rest[1:]
	}

	kv := keywordArgs(rest)
	ev.Purpose = kv["PURPOSE"]
	ev.Reason = kv["REASON"]

	return ev, nil
}

// ParseStreamEvent parses the text of a STREAM event without the "650 "
// prefix:
//
//	STREAM 42 NEW 0 93.184.216.34:80 SOURCE_ADDR=127.0.0.1:51234 PURPOSE=USER
func ParseStreamEvent(line string) (StreamEvent, error) {
	tokens := tokenize(line)
	if len(tokens) < 5 || tokens[0] != "STREAM" {
		return StreamEvent{}, fmt.Errorf("%w: %q", ErrMalformedEvent, line)
	}

	kv := keywordArgs(tokens[5:])
	return StreamEvent{
		ID:         tokens[1],
		Status:     StreamStatus(tokens[2]),
		CircuitID:  tokens[3],
		Target:     tokens[4],
		SourceAddr: kv["SOURCE_ADDR"],
		Purpose:    kv["PURPOSE"],
		Reason:     kv["REASON"],
	}, nil
}

// isPath distinguishes a circuit path from a KEY=VALUE argument. Paths use
// long names ("$FP~nick" or "$FP=nick"), so a leading '$' is decisive.
func isPath(tok string) bool {
	return strings.HasPrefix(tok, "$") || !strings.Contains(tok, "=")
}

func parsePath(tok string) ([]Hop, error) {
	parts := strings.Split(tok, ",")
	hops := make([]Hop, 0, len(parts))
	for _, p := range parts {
		var nick string
		if i := strings.IndexAny(p, "~="); i != -1 {
			nick = p[i+1:]
		}
		fp, err := catalog.NormalizeFingerprint(p)
		if err != nil {
			return nil, err
		}
		hops = append(hops, Hop{Fingerprint: fp, Nickname: nick})
	}
	return hops, nil
}

// keywordArgs collects KEY=VALUE tokens; quoted values are unquoted.
func keywordArgs(tokens []string) map[string]string {
	kv := make(map[string]string, len(tokens))
	for _, tok := range tokens {
		key, value, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		if unq, err := strconv.Unquote(value); err == nil {
			value = unq
		}
		kv[key] = value
	}
	return kv
}

// tokenize splits on spaces, keeping double-quoted sections (with
// backslash escapes) inside a single token.
func tokenize(line string) []string {
	var tokens []string
	var cur strings.Builder
	inQuote, escaped := false, false

	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case inQuote && r == '\\':
			cur.WriteRune(r)
			escaped = true
		case r == '"':
			cur.WriteRune(r)
			inQuote = !inQuote
		case r == ' ' && !inQuote:
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}
