package tor

import (
	"context"
	"encoding/hex"
	"errors"
	"net"
	"net/netip"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nao1215/exitscan/internal/catalog"
)

// fakeTor emulates the daemon side of a control connection.
type fakeTor struct {
	conn *textproto.Conn

	// writeMu keeps replies and events from interleaving.
	writeMu sync.Mutex

	mu       sync.Mutex
	commands []string

	respond func(cmd string) []string
}

// newFakeTor connects a Controller to a fake daemon over an in-memory pipe.
// respond returns the raw reply lines for a command.
func newFakeTor(t *testing.T, respond func(cmd string) []string) (*Controller, *fakeTor) {
	t.Helper()

	client, server := net.Pipe()
	ft := &fakeTor{conn: textproto.NewConn(server), respond: respond}
	go ft.serve()

	ctrl := NewController(client)
	t.Cleanup(func() {
		ctrl.Close()
		server.Close()
	})
	return ctrl, ft
}

func (f *fakeTor) serve() {
	for {
		line, err := f.conn.ReadLine()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.commands = append(f.commands, line)
		f.mu.Unlock()

		f.write(f.respond(line)...)
	}
}

func (f *fakeTor) write(lines ...string) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	for _, l := range lines {
		if err := f.conn.PrintfLine("%s", l); err != nil {
			return
		}
	}
}

func (f *fakeTor) emit(event string) {
	f.write("650 " + event)
}

func (f *fakeTor) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func okReply(string) []string { return []string{"250 OK"} }

// TestControllerGetInfo tests single-line and data replies.
func TestControllerGetInfo(t *testing.T) {
	t.Parallel()

	ctrl, _ := newFakeTor(t, func(cmd string) []string {
		switch cmd {
		case "GETINFO version":
			return []string{"250-version=0.4.8.13", "250 OK"}
		case "GETINFO dir/status-vote/current/consensus":
			return []string{
				"250+dir/status-vote/current/consensus=",
				"network-status-version 3",
				"r alpha AAAA",
				".",
				"250 OK",
			}
		default:
			return []string{"552 Unrecognized key \"" + strings.TrimPrefix(cmd, "GETINFO ") + "\""}
		}
	})
	ctx := context.Background()

	t.Run("single line", func(t *testing.T) {
		v, err := ctrl.GetInfo(ctx, "version")
		if err != nil || v != "0.4.8.13" {
			t.Errorf("GetInfo(version) = %q, %v", v, err)
		}
	})

	t.Run("data block", func(t *testing.T) {
		v, err := ctrl.Consensus(ctx)
		if err != nil {
			t.Fatalf("Consensus: %v", err)
		}
		if v != "network-status-version 3\nr alpha AAAA" {
			t.Errorf("Consensus() = %q", v)
		}
	})

	t.Run("error reply", func(t *testing.T) {
		_, err := ctrl.GetInfo(ctx, "bogus")
		var replyErr *ReplyError
		if !errors.As(err, &replyErr) {
			t.Fatalf("expected *ReplyError, got %v", err)
		}
		if replyErr.Code != 552 || replyErr.Command != "GETINFO" {
			t.Errorf("unexpected reply error: %+v", replyErr)
		}
	})
}

// TestControllerCircuitCommands tests the commands the scanner issues.
func TestControllerCircuitCommands(t *testing.T) {
	t.Parallel()

	ctrl, ft := newFakeTor(t, func(cmd string) []string {
		if strings.HasPrefix(cmd, "EXTENDCIRCUIT") {
			return []string{"250 EXTENDED 12"}
		}
		return []string{"250 OK"}
	})
	ctx := context.Background()

	id, err := ctrl.ExtendCircuit(ctx, []string{fpGuard, "$" + fpExit})
	if err != nil || id != "12" {
		t.Fatalf("ExtendCircuit() = %q, %v", id, err)
	}
	if err := ctrl.AttachStream(ctx, "42", "12"); err != nil {
		t.Fatalf("AttachStream: %v", err)
	}
	if err := ctrl.CloseStream(ctx, "42"); err != nil {
		t.Fatalf("CloseStream: %v", err)
	}
	if err := ctrl.CloseCircuit(ctx, "12"); err != nil {
		t.Fatalf("CloseCircuit: %v", err)
	}
	if err := ctrl.SetConf(ctx, "ContactInfo", "exit scan"); err != nil {
		t.Fatalf("SetConf: %v", err)
	}

	want := []string{
		"EXTENDCIRCUIT 0 $" + fpGuard + ",$" + fpExit,
		"ATTACHSTREAM 42 12",
		"CLOSESTREAM 42 1",
		"CLOSECIRCUIT 12",
		`SETCONF ContactInfo="exit scan"`,
	}
	got := ft.sent()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("sent %q, expected %q", got, want)
	}
}

// TestControllerExtendCircuitMalformed tests an unexpected acknowledgement.
func TestControllerExtendCircuitMalformed(t *testing.T) {
	t.Parallel()

	ctrl, _ := newFakeTor(t, okReply)
	if _, err := ctrl.ExtendCircuit(context.Background(), []string{fpGuard, fpExit}); !errors.Is(err, ErrMalformedReply) {
		t.Errorf("expected ErrMalformedReply, got %v", err)
	}
}

// recordingHandler collects events and can issue a command from inside the
// handler.
type recordingHandler struct {
	mu      sync.Mutex
	circs   []CircuitEvent
	streams []StreamEvent
	onCirc  func(CircuitEvent)
	done    chan struct{}
	want    int
}

func (h *recordingHandler) HandleCircuitEvent(ev CircuitEvent) {
	if h.onCirc != nil {
		h.onCirc(ev)
	}
	h.mu.Lock()
	h.circs = append(h.circs, ev)
	h.mu.Unlock()
	h.tick()
}

func (h *recordingHandler) HandleStreamEvent(ev StreamEvent) {
	h.mu.Lock()
	h.streams = append(h.streams, ev)
	h.mu.Unlock()
	h.tick()
}

func (h *recordingHandler) tick() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.circs)+len(h.streams) == h.want {
		close(h.done)
	}
}

// TestControllerSubscribe tests in-order event delivery and that handlers
// may issue commands.
func TestControllerSubscribe(t *testing.T) {
	t.Parallel()

	ctrl, ft := newFakeTor(t, okReply)
	ctx := context.Background()

	h := &recordingHandler{done: make(chan struct{}), want: 3}
	h.onCirc = func(ev CircuitEvent) {
		if ev.Status == CircuitBuilt {
			if err := ctrl.CloseCircuit(ctx, ev.ID); err != nil {
				t.Errorf("CloseCircuit from handler: %v", err)
			}
		}
	}

	unsubscribe, err := ctrl.Subscribe(ctx, h)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ft.emit("CIRC 5 LAUNCHED PURPOSE=GENERAL")
	ft.emit("CIRC 5 BUILT $" + fpGuard + "~g,$" + fpExit + "~e PURPOSE=GENERAL")
	ft.emit("STREAM 9 NEW 0 93.184.216.34:80 SOURCE_ADDR=127.0.0.1:40000 PURPOSE=USER")

	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for events")
	}

	h.mu.Lock()
	if h.circs[0].Status != CircuitLaunched || h.circs[1].Status != CircuitBuilt {
		t.Errorf("events out of order: %+v", h.circs)
	}
	if h.streams[0].SourcePort() != 40000 {
		t.Errorf("unexpected stream event: %+v", h.streams[0])
	}
	h.mu.Unlock()

	sent := ft.sent()
	if sent[0] != "SETEVENTS CIRC STREAM" || sent[len(sent)-1] != "CLOSECIRCUIT 5" {
		t.Errorf("unexpected commands: %q", sent)
	}

	unsubscribe()
	ft.emit("CIRC 6 LAUNCHED")
	// A command round trip orders the check after the event was dispatched.
	if _, err := ctrl.Command(ctx, "SIGNAL NEWNYM"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.circs) != 2 {
		t.Errorf("handler received events after unsubscribe: %+v", h.circs)
	}
}

// TestControllerAuthenticate tests each authentication method.
func TestControllerAuthenticate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cookie := []byte("0123456789abcdef0123456789abcdef")
	cookiePath := filepath.Join(dir, "control_auth_cookie")
	if err := os.WriteFile(cookiePath, cookie, 0600); err != nil {
		t.Fatal(err)
	}

	protocolInfo := func(methods string) []string {
		return []string{
			"250-PROTOCOLINFO 1",
			"250-AUTH METHODS=" + methods + ` COOKIEFILE="` + cookiePath + `"`,
			`250-VERSION Tor="0.4.8.13"`,
			"250 OK",
		}
	}

	serverNonce := []byte("server-nonce-server-nonce-server")

	testCases := []struct {
		name     string
		methods  string
		password string
		// expect is the AUTHENTICATE line the daemon accepts; "" means
		// computed for SAFECOOKIE.
		expect  string
		wantErr error
	}{
		{name: "null", methods: "NULL", expect: "AUTHENTICATE"},
		{name: "password", methods: "HASHEDPASSWORD", password: `s3cr"et`, expect: `AUTHENTICATE "s3cr\"et"`},
		{name: "cookie", methods: "COOKIE", expect: "AUTHENTICATE " + hex.EncodeToString(cookie)},
		{name: "safecookie", methods: "COOKIE,SAFECOOKIE"},
		{name: "password required but missing", methods: "HASHEDPASSWORD", wantErr: ErrNoAuthMethod},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var clientNonce []byte
			ctrl, _ := newFakeTor(t, func(cmd string) []string {
				switch {
				case cmd == "PROTOCOLINFO 1":
					return protocolInfo(tc.methods)
				case strings.HasPrefix(cmd, "AUTHCHALLENGE SAFECOOKIE "):
					clientNonce, _ = hex.DecodeString(strings.TrimPrefix(cmd, "AUTHCHALLENGE SAFECOOKIE "))
					msg := append(append(append([]byte{}, cookie...), clientNonce...), serverNonce...)
					return []string{"250 AUTHCHALLENGE SERVERHASH=" +
						hex.EncodeToString(safeCookieHash(safeCookieServerKey, msg)) +
						" SERVERNONCE=" + hex.EncodeToString(serverNonce)}
				case strings.HasPrefix(cmd, "AUTHENTICATE"):
					expect := tc.expect
					if expect == "" {
						msg := append(append(append([]byte{}, cookie...), clientNonce...), serverNonce...)
						expect = "AUTHENTICATE " + hex.EncodeToString(safeCookieHash(safeCookieClientKey, msg))
					}
					if cmd == expect {
						return []string{"250 OK"}
					}
					return []string{"515 Authentication failed"}
				}
				return []string{"510 Unrecognized command"}
			})

			err := ctrl.Authenticate(context.Background(), tc.password)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authenticate: %v", err)
			}
		})
	}
}

// TestControllerSafeCookieMismatch tests rejection of a forged server hash.
func TestControllerSafeCookieMismatch(t *testing.T) {
	t.Parallel()

	cookiePath := filepath.Join(t.TempDir(), "cookie")
	if err := os.WriteFile(cookiePath, []byte("cookie"), 0600); err != nil {
		t.Fatal(err)
	}

	ctrl, _ := newFakeTor(t, func(cmd string) []string {
		if cmd == "PROTOCOLINFO 1" {
			return []string{"250-AUTH METHODS=SAFECOOKIE COOKIEFILE=\"" + cookiePath + "\"", "250 OK"}
		}
		return []string{"250 AUTHCHALLENGE SERVERHASH=00 SERVERNONCE=00"}
	})

	if err := ctrl.Authenticate(context.Background(), ""); !errors.Is(err, ErrServerHashMismatch) {
		t.Errorf("expected ErrServerHashMismatch, got %v", err)
	}
}

// TestControllerPrepareForScanning tests required and best-effort options.
func TestControllerPrepareForScanning(t *testing.T) {
	t.Parallel()

	t.Run("optional failures are tolerated", func(t *testing.T) {
		t.Parallel()

		ctrl, ft := newFakeTor(t, func(cmd string) []string {
			if strings.Contains(cmd, "FetchHidServDescriptors") {
				return []string{"552 Unrecognized option"}
			}
			return []string{"250 OK"}
		})
		if err := ctrl.PrepareForScanning(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := len(ft.sent()); got != len(scanningConf) {
			t.Errorf("sent %d commands, expected %d", got, len(scanningConf))
		}
	})

	t.Run("required failure aborts", func(t *testing.T) {
		t.Parallel()

		ctrl, ft := newFakeTor(t, func(string) []string {
			return []string{"553 Transition not allowed"}
		})
		err := ctrl.PrepareForScanning(context.Background())
		var replyErr *ReplyError
		if !errors.As(err, &replyErr) || replyErr.Code != 553 {
			t.Fatalf("expected 553 reply error, got %v", err)
		}
		if got := ft.sent(); len(got) != 1 || got[0] != "SETCONF __LeaveStreamsUnattached=1" {
			t.Errorf("unexpected commands: %q", got)
		}
	})
}

// TestControllerCountryOf tests GeoIP lookups through the daemon.
func TestControllerCountryOf(t *testing.T) {
	t.Parallel()

	ctrl, _ := newFakeTor(t, func(cmd string) []string {
		key := strings.TrimPrefix(cmd, "GETINFO ")
		if key == "ip-to-country/5.0.0.9" {
			return []string{"250-" + key + "=DE", "250 OK"}
		}
		return []string{"250-" + key + "=??", "250 OK"}
	})
	ctx := context.Background()

	cc, err := ctrl.CountryOf(ctx, netip.MustParseAddr("5.0.0.9"))
	if err != nil || cc != "de" {
		t.Errorf("CountryOf() = %q, %v", cc, err)
	}
	if _, err := ctrl.CountryOf(ctx, netip.MustParseAddr("10.0.0.1")); !errors.Is(err, catalog.ErrUnknownCountry) {
		t.Errorf("expected ErrUnknownCountry, got %v", err)
	}
}

// TestControllerBootstrapProgress tests parsing the bootstrap phase.
func TestControllerBootstrapProgress(t *testing.T) {
	t.Parallel()

	ctrl, _ := newFakeTor(t, func(string) []string {
		return []string{
			`250-status/bootstrap-phase=NOTICE BOOTSTRAP PROGRESS=85 TAG=ap_conn_done SUMMARY="Connected to a relay to build circuits"`,
			"250 OK",
		}
	})
	progress, err := ctrl.BootstrapProgress(context.Background())
	if err != nil || progress != 85 {
		t.Errorf("BootstrapProgress() = %d, %v", progress, err)
	}
}

// TestControllerCancelledCommand tests that a reply arriving after the
// caller gave up is not handed to the next command.
func TestControllerCancelledCommand(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	ctrl, _ := newFakeTor(t, func(cmd string) []string {
		if cmd == "GETINFO slow" {
			<-release
			return []string{"250-slow=late", "250 OK"}
		}
		return []string{"250-fast=1", "250 OK"}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := ctrl.GetInfo(ctx, "slow"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	close(release)
	v, err := ctrl.GetInfo(context.Background(), "fast")
	if err != nil || v != "1" {
		t.Errorf("GetInfo(fast) = %q, %v", v, err)
	}
}

// TestControllerClosed tests commands after Close.
func TestControllerClosed(t *testing.T) {
	t.Parallel()

	ctrl, _ := newFakeTor(t, okReply)
	if err := ctrl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ctrl.CloseCircuit(context.Background(), "1"); !errors.Is(err, ErrControllerClosed) {
		t.Errorf("expected ErrControllerClosed, got %v", err)
	}
	// Closing twice is harmless.
	_ = ctrl.Close()
}

// TestDialControlInvalidAddress tests address validation.
func TestDialControlInvalidAddress(t *testing.T) {
	t.Parallel()

	if _, err := DialControl(context.Background(), "nowhere"); !errors.Is(err, ErrInvalidProxyAddress) {
		t.Errorf("expected ErrInvalidProxyAddress, got %v", err)
	}
}
