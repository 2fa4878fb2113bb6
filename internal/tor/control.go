package tor

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/nao1215/exitscan/internal/catalog"
)

const (
	codeOK    = 250
	codeEvent = 650

	safeCookieServerKey = "Tor safe cookie authentication server-to-controller hash"
	safeCookieClientKey = "Tor safe cookie authentication controller-to-server hash"
)

// EventHandler receives circuit and stream events. Handlers run on the
// controller's dispatch goroutine, one event at a time, and may issue
// control commands.
type EventHandler interface {
	HandleCircuitEvent(CircuitEvent)
	HandleStreamEvent(StreamEvent)
}

// Reply is a complete control port reply.
type Reply struct {
	Code int
	// Lines holds one entry per reply line. A data reply ("250+key=")
	// becomes a single entry with the data block appended after a newline.
	Lines []string
}

// Text returns the reply lines joined by newlines.
func (r *Reply) Text() string {
	return strings.Join(r.Lines, "\n")
}

// Controller is a client for Tor's control port. Commands are serialized;
// asynchronous events are delivered to subscribed handlers in order.
type Controller struct {
	conn   *textproto.Conn
	logger *slog.Logger

	// cmdMu is held from writing a command until its reply arrives.
	cmdMu   sync.Mutex
	replies chan *Reply

	handlersMu sync.Mutex
	handlers   map[int]EventHandler
	nextID     int

	events *eventQueue

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithControllerLogger sets the logger for event and protocol diagnostics.
func WithControllerLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = logger
	}
}

// DialControl connects to a control port at addr ("host:port").
// The connection is not authenticated yet; call Authenticate.
func DialControl(ctx context.Context, addr string, opts ...ControllerOption) (*Controller, error) {
	if !isValidProxyAddress(addr) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidProxyAddress, addr)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to control port %s: %w", addr, err)
	}

	return NewController(conn, opts...), nil
}

// NewController wraps an established control connection and starts reading
// from it.
func NewController(conn io.ReadWriteCloser, opts ...ControllerOption) *Controller {
	c := &Controller{
		conn:     textproto.NewConn(conn),
		logger:   slog.Default(),
		replies:  make(chan *Reply),
		handlers: make(map[int]EventHandler),
		events:   newEventQueue(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.dispatchLoop()

	return c
}

// Close closes the control connection and waits for the reader and the
// dispatcher to stop. It is safe to call more than once.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		c.events.close()
	})
	c.wg.Wait()
	return err
}

// readLoop splits the connection into replies and events. It never runs
// handlers so that handlers can wait for replies.
func (c *Controller) readLoop() {
	defer c.wg.Done()
	defer close(c.done)
	defer c.events.close()

	for {
		r, err := c.readReply()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				c.logger.Warn("control port read failed", "error", err)
			}
			return
		}
		if r.Code == codeEvent {
			c.events.push(r.Lines)
			continue
		}
		select {
		case c.replies <- r:
		case <-c.events.closed:
			return
		}
	}
}

// readReply reads one complete reply: zero or more "CCC-" or "CCC+" lines
// followed by a "CCC " line.
func (c *Controller) readReply() (*Reply, error) {
	r := &Reply{}
	for {
		line, err := c.conn.ReadLine()
		if err != nil {
			return nil, err
		}
		if len(line) < 4 {
			return nil, fmt.Errorf("%w: %q", ErrMalformedReply, line)
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrMalformedReply, line)
		}
		r.Code = code
		text := line[4:]

		switch line[3] {
		case ' ':
			r.Lines = append(r.Lines, text)
			return r, nil
		case '-':
			r.Lines = append(r.Lines, text)
		case '+':
			data, err := c.conn.ReadDotLines()
			if err != nil {
				return nil, err
			}
			r.Lines = append(r.Lines, text+"\n"+strings.Join(data, "\n"))
		default:
			return nil, fmt.Errorf("%w: %q", ErrMalformedReply, line)
		}
	}
}

func (c *Controller) dispatchLoop() {
	defer c.wg.Done()

	for {
		lines, ok := c.events.pop()
		if !ok {
			return
		}
		c.dispatch(lines[0])
	}
}

func (c *Controller) dispatch(line string) {
	keyword, _, _ := strings.Cut(line, " ")

	c.handlersMu.Lock()
	handlers := make([]EventHandler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.handlersMu.Unlock()

	switch keyword {
	case "CIRC":
		ev, err := ParseCircuitEvent(line)
		if err != nil {
			c.logger.Debug("dropping event", "error", err)
			return
		}
		for _, h := range handlers {
			h.HandleCircuitEvent(ev)
		}
	case "STREAM":
		ev, err := ParseStreamEvent(line)
		if err != nil {
			c.logger.Debug("dropping event", "error", err)
			return
		}
		for _, h := range handlers {
			h.HandleStreamEvent(ev)
		}
	}
}

// Command sends a raw command line and returns the reply. Replies with a
// code other than 250 are returned as *ReplyError.
func (c *Controller) Command(ctx context.Context, line string) (*Reply, error) {
	keyword, _, _ := strings.Cut(line, " ")

	c.cmdMu.Lock()
	select {
	case <-c.done:
		c.cmdMu.Unlock()
		return nil, ErrControllerClosed
	default:
	}

	if err := c.conn.PrintfLine("%s", line); err != nil {
		c.cmdMu.Unlock()
		return nil, fmt.Errorf("failed to send %s: %w", keyword, err)
	}

	select {
	case r := <-c.replies:
		c.cmdMu.Unlock()
		if r.Code != codeOK {
			return nil, &ReplyError{Command: keyword, Code: r.Code, Message: r.Text()}
		}
		return r, nil
	case <-c.done:
		c.cmdMu.Unlock()
		return nil, ErrControllerClosed
	case <-ctx.Done():
		// The reply still has to be consumed before the next command.
		go func() {
			defer c.cmdMu.Unlock()
			select {
			case <-c.replies:
			case <-c.done:
			}
		}()
		return nil, ctx.Err()
	}
}

// Authenticate runs PROTOCOLINFO and authenticates with the best method Tor
// offers: NULL, SAFECOOKIE, COOKIE or HASHEDPASSWORD. The password is only
// used for HASHEDPASSWORD.
func (c *Controller) Authenticate(ctx context.Context, password string) error {
	r, err := c.Command(ctx, "PROTOCOLINFO 1")
	if err != nil {
		return err
	}
	methods, cookieFile := parseProtocolInfo(r)

	switch {
	case methods["NULL"]:
		_, err = c.Command(ctx, "AUTHENTICATE")
	case methods["HASHEDPASSWORD"] && password != "":
		_, err = c.Command(ctx, "AUTHENTICATE "+strconv.Quote(password))
	case methods["SAFECOOKIE"] && cookieFile != "":
		err = c.authSafeCookie(ctx, cookieFile)
	case methods["COOKIE"] && cookieFile != "":
		var cookie []byte
		cookie, err = os.ReadFile(cookieFile) //nolint:gosec // Path is announced by Tor
		if err == nil {
			_, err = c.Command(ctx, "AUTHENTICATE "+hex.EncodeToString(cookie))
		}
	default:
		return ErrNoAuthMethod
	}
	if err != nil {
		return fmt.Errorf("control port authentication failed: %w", err)
	}
	return nil
}

func (c *Controller) authSafeCookie(ctx context.Context, cookieFile string) error {
	cookie, err := os.ReadFile(cookieFile) //nolint:gosec // Path is announced by Tor
	if err != nil {
		return err
	}

	clientNonce := make([]byte, 32)
	if _, err := rand.Read(clientNonce); err != nil {
		return err
	}

	r, err := c.Command(ctx, "AUTHCHALLENGE SAFECOOKIE "+hex.EncodeToString(clientNonce))
	if err != nil {
		return err
	}

	kv := keywordArgs(tokenize(r.Lines[0]))
	serverHash, err := hex.DecodeString(kv["SERVERHASH"])
	if err != nil {
		return fmt.Errorf("%w: SERVERHASH", ErrMalformedReply)
	}
	serverNonce, err := hex.DecodeString(kv["SERVERNONCE"])
	if err != nil {
		return fmt.Errorf("%w: SERVERNONCE", ErrMalformedReply)
	}

	msg := make([]byte, 0, len(cookie)+len(clientNonce)+len(serverNonce))
	msg = append(msg, cookie...)
	msg = append(msg, clientNonce...)
	msg = append(msg, serverNonce...)

	if !hmac.Equal(serverHash, safeCookieHash(safeCookieServerKey, msg)) {
		return ErrServerHashMismatch
	}

	_, err = c.Command(ctx, "AUTHENTICATE "+hex.EncodeToString(safeCookieHash(safeCookieClientKey, msg)))
	return err
}

func safeCookieHash(key string, msg []byte) []byte {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(msg)
	return mac.Sum(nil)
}

// parseProtocolInfo extracts the auth methods and the cookie file path.
func parseProtocolInfo(r *Reply) (map[string]bool, string) {
	methods := make(map[string]bool)
	var cookieFile string
	for _, line := range r.Lines {
		if !strings.HasPrefix(line, "AUTH ") {
			continue
		}
		kv := keywordArgs(tokenize(line))
		for _, m := range strings.Split(kv["METHODS"], ",") {
			methods[m] = true
		}
		cookieFile = kv["COOKIEFILE"]
	}
	return methods, cookieFile
}

// SetConf changes one configuration option of the running daemon.
func (c *Controller) SetConf(ctx context.Context, key, value string) error {
	_, err := c.Command(ctx, fmt.Sprintf("SETCONF %s=%s", key, quoteIfNeeded(value)))
	return err
}

// GetInfo returns the value of one GETINFO key.
func (c *Controller) GetInfo(ctx context.Context, key string) (string, error) {
	r, err := c.Command(ctx, "GETINFO "+key)
	if err != nil {
		return "", err
	}
	for _, line := range r.Lines {
		if value, ok := strings.CutPrefix(line, key+"="); ok {
			return strings.TrimPrefix(value, "\n"), nil
		}
	}
	return "", fmt.Errorf("%w: no value for %s", ErrMalformedReply, key)
}

// ExtendCircuit asks Tor to build a new circuit through the given relay
// fingerprints and returns the id Tor assigned. The circuit is not built
// yet when this returns; progress arrives as CIRC events.
func (c *Controller) ExtendCircuit(ctx context.Context, path []string) (string, error) {
	hops := make([]string, len(path))
	for i, fp := range path {
		hops[i] = "$" + strings.TrimPrefix(fp, "$")
	}

	r, err := c.Command(ctx, "EXTENDCIRCUIT 0 "+strings.Join(hops, ","))
	if err != nil {
		return "", err
	}

	fields := strings.Fields(r.Lines[len(r.Lines)-1])
	if len(fields) != 2 || fields[0] != "EXTENDED" {
		return "", fmt.Errorf("%w: %q", ErrMalformedReply, r.Text())
	}
	return fields[1], nil
}

// AttachStream attaches an unattached stream to a circuit.
func (c *Controller) AttachStream(ctx context.Context, streamID, circuitID string) error {
	_, err := c.Command(ctx, fmt.Sprintf("ATTACHSTREAM %s %s", streamID, circuitID))
	return err
}

// CloseCircuit tears down a circuit.
func (c *Controller) CloseCircuit(ctx context.Context, circuitID string) error {
	_, err := c.Command(ctx, "CLOSECIRCUIT "+circuitID)
	return err
}

// CloseStream closes a stream. Reason 1 is MISC.
func (c *Controller) CloseStream(ctx context.Context, streamID string) error {
	_, err := c.Command(ctx, "CLOSESTREAM "+streamID+" 1")
	return err
}

// Subscribe registers h for CIRC and STREAM events and enables those events
// on the daemon. The returned function removes the handler.
func (c *Controller) Subscribe(ctx context.Context, h EventHandler) (func(), error) {
	c.handlersMu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = h
	c.handlersMu.Unlock()

	unsubscribe := func() {
		c.handlersMu.Lock()
		delete(c.handlers, id)
		c.handlersMu.Unlock()
	}

	if _, err := c.Command(ctx, "SETEVENTS CIRC STREAM"); err != nil {
		unsubscribe()
		return nil, err
	}
	return unsubscribe, nil
}

// CountryOf asks Tor's own GeoIP database for the country of addr.
func (c *Controller) CountryOf(ctx context.Context, addr netip.Addr) (string, error) {
	cc, err := c.GetInfo(ctx, "ip-to-country/"+addr.Unmap().String())
	if err != nil {
		return "", err
	}
	cc = strings.ToLower(strings.TrimSpace(cc))
	if cc == "" || cc == "??" {
		return "", fmt.Errorf("%w: %s", catalog.ErrUnknownCountry, addr)
	}
	return cc, nil
}

var _ catalog.CountryResolver = (*Controller)(nil)

// Consensus returns the network-status consensus the daemon is using.
func (c *Controller) Consensus(ctx context.Context) (string, error) {
	return c.GetInfo(ctx, "dir/status-vote/current/consensus")
}

// BootstrapProgress returns the daemon's bootstrap percentage.
func (c *Controller) BootstrapProgress(ctx context.Context) (int, error) {
	status, err := c.GetInfo(ctx, "status/bootstrap-phase")
	if err != nil {
		return 0, err
	}
	progress, ok := keywordArgs(tokenize(status))["PROGRESS"]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrMalformedReply, status)
	}
	return strconv.Atoi(progress)
}

// scanningConf holds the options applied before circuits are built by
// hand. Only the first one is required; the others keep Tor from building
// or timing out circuits on its own.
var scanningConf = []struct {
	key, value string
	required   bool
}{
	{"__LeaveStreamsUnattached", "1", true},
	{"__DisablePredictedCircuits", "1", false},
	{"LearnCircuitBuildTimeout", "0", false},
	{"CircuitBuildTimeout", "40", false},
	{"FetchHidServDescriptors", "0", false},
}

// PrepareForScanning configures the daemon so that every stream waits for
// the controller to attach it.
func (c *Controller) PrepareForScanning(ctx context.Context) error {
	for _, opt := range scanningConf {
		err := c.SetConf(ctx, opt.key, opt.value)
		if err == nil {
			continue
		}
		if opt.required {
			return fmt.Errorf("failed to set %s: %w", opt.key, err)
		}
		c.logger.Warn("could not set tor option", "option", opt.key, "error", err)
	}
	return nil
}

func quoteIfNeeded(v string) string {
	if v == "" || strings.ContainsAny(v, " \t\"\\") {
		return strconv.Quote(v)
	}
	return v
}

// eventQueue is an unbounded FIFO between the reader and the dispatcher.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  [][]string
	closed chan struct{}
	once   sync.Once
	done   bool
}

func newEventQueue() *eventQueue {
	q := &eventQueue{closed: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *eventQueue) push(lines []string) {
	q.mu.Lock()
	q.items = append(q.items, lines)
	q.mu.Unlock()
	q.cond.Signal()
}

// pop blocks until an event is queued. It returns false once the queue is
// closed and empty.
func (q *eventQueue) pop() ([]string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.done {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	lines := q.items[0]
	q.items = q.items[1:]
	return lines, true
}

func (q *eventQueue) close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.done = true
		q.mu.Unlock()
		close(q.closed)
		q.cond.Broadcast()
	})
}
