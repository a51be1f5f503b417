package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
	"github.com/eucalyptus-twig/twig/pkg/command"
	"github.com/eucalyptus-twig/twig/pkg/state"
	"github.com/eucalyptus-twig/twig/pkg/subscribe"
)

// Backend is the part of the status bar the IPC server exposes.
type Backend interface {
	Snapshot(prefix string) []state.Entry
	Subscribe(id string, filters ...string) (*subscribe.Subscription, []state.Entry, error)
	Submit(cmd adapters.Command) *command.Pending
	Adapters() []adapters.Status
	Subscribers() []string
	Seq() uint64
}

// IPCServer listens on a Unix domain socket for line-based text commands
// and returns JSON responses.
//
// Protocol:
//   - Client sends a single line: COMMAND [arg1] [arg2] ...
//   - Server responds with one JSON line, except SUBSCRIBE which streams
//     JSON lines until either side closes the connection.
//   - Supported commands: SNAPSHOT [prefix], SUBSCRIBE [prefix...],
//     SUBMIT <target> <action> [k=v...], HEALTH, QUIT
type IPCServer struct {
	socketPath string
	backend    Backend
	logger     *slog.Logger
	quit       func()
	started    time.Time

	listener net.Listener
	wg       sync.WaitGroup
	done     chan struct{}

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// IPCOption configures an IPCServer.
type IPCOption func(*IPCServer)

// WithQuit sets the function QUIT calls. It must not block on Stop.
func WithQuit(fn func()) IPCOption {
	return func(s *IPCServer) { s.quit = fn }
}

func WithIPCLogger(l *slog.Logger) IPCOption {
	return func(s *IPCServer) { s.logger = l }
}

// NewIPCServer creates an IPC server that will listen on socketPath and
// serve backend.
func NewIPCServer(socketPath string, backend Backend, opts ...IPCOption) *IPCServer {
	s := &IPCServer{
		socketPath: socketPath,
		backend:    backend,
		logger:     slog.Default(),
		started:    time.Now(),
		done:       make(chan struct{}),
		conns:      make(map[net.Conn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "ipc")
	return s
}

// Start begins listening for connections on the Unix socket. The socket file
// is created with mode 0600 and any existing socket file at the path is
// removed first.
func (s *IPCServer) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()
	s.logger.Info("listening", "socket", s.socketPath)
	return nil
}

// Stop closes the listener and every open connection, waits for the
// handlers and removes the socket file.
func (s *IPCServer) Stop() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)

	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	os.Remove(s.socketPath)
}

func (s *IPCServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		if err := checkPeer(conn); err != nil {
			s.logger.Warn("refusing connection", "error", err)
			conn.Close()
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// checkPeer refuses clients running as another user.
func checkPeer(conn net.Conn) error {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return err
	}
	var (
		cred   *unix.Ucred
		optErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, optErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return err
	}
	if optErr != nil {
		return fmt.Errorf("peer credentials: %w", optErr)
	}
	if uid := os.Getuid(); int(cred.Uid) != uid {
		return fmt.Errorf("peer uid %d does not match %d", cred.Uid, uid)
	}
	return nil
}

// handleConn reads one command line and answers it.
func (s *IPCServer) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return
	}
	cmd, args := parseIPCCommand(strings.TrimSpace(line))
	if cmd == "" {
		return
	}
	s.logger.Debug("request", "command", cmd, "args", args)

	enc := json.NewEncoder(conn)
	var reply any
	switch cmd {
	case "SNAPSHOT":
		prefix := ""
		if len(args) > 0 {
			prefix = args[0]
		}
		reply = SnapshotReply{Seq: s.backend.Seq(), Entries: s.backend.Snapshot(prefix)}

	case "SUBSCRIBE":
		s.stream(r, enc, args)
		return

	case "SUBMIT":
		c, err := ParseSubmit(args)
		if err != nil {
			reply = errorReply{Error: err.Error()}
			break
		}
		reply = s.submit(c)

	case "HEALTH":
		reply = s.Health()

	case "QUIT":
		reply = map[string]bool{"ok": true}
		if s.quit != nil {
			defer s.quit()
		}

	default:
		reply = errorReply{Error: fmt.Sprintf("unknown command %q", cmd)}
	}
	if err := enc.Encode(reply); err != nil {
		s.logger.Debug("write reply", "error", err)
	}
}

// submit waits for the terminal outcome. The router's deadline bounds the
// wait; server shutdown ends it early.
func (s *IPCServer) submit(cmd adapters.Command) SubmitReply {
	p := s.backend.Submit(cmd)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	o, err := p.Wait(ctx)
	if err != nil {
		p.Cancel()
		o = p.Outcome()
	}
	reply := SubmitReply{CorrelationID: p.ID(), Adapter: o.Adapter, Status: o.Status.String()}
	if o.Err != nil {
		reply.Error = o.Err.Error()
	}
	return reply
}

// stream serves SUBSCRIBE until the client hangs up, the subscription ends
// or the server stops.
func (s *IPCServer) stream(r *bufio.Reader, enc *json.Encoder, filters []string) {
	id := "ipc-" + uuid.NewString()
	sub, initial, err := s.backend.Subscribe(id, filters...)
	if err != nil {
		enc.Encode(errorReply{Error: err.Error()})
		return
	}
	defer sub.Close()

	if err := enc.Encode(StreamMessage{Type: TypeSnapshot, Seq: sub.Seq(), Entries: initial}); err != nil {
		return
	}

	// Any read result means the client is gone.
	gone := make(chan struct{})
	go func() {
		io.Copy(io.Discard, r)
		close(gone)
	}()

	for {
		select {
		case <-gone:
			return
		case <-s.done:
			return
		case d, ok := <-sub.C():
			if !ok {
				return
			}
			var msg StreamMessage
			switch {
			case d.Resync:
				msg = StreamMessage{Type: TypeResync, Seq: d.Seq, Entries: d.Snapshot}
			case d.Notice != nil:
				msg = StreamMessage{Type: TypeStale, Seq: d.Seq, Stale: d.Notice}
			default:
				msg = StreamMessage{Type: TypeEvent, Seq: d.Event.Seq, Event: &d.Event}
			}
			if err := enc.Encode(msg); err != nil {
				return
			}
		}
	}
}

// Health builds the current health status.
func (s *IPCServer) Health() HealthStatus {
	return BuildHealth(s.backend, s.started)
}

// BuildHealth summarizes backend.
func BuildHealth(b Backend, started time.Time) HealthStatus {
	return HealthStatus{
		PID:         os.Getpid(),
		StartedAt:   started,
		Uptime:      time.Since(started).Truncate(time.Second).String(),
		Seq:         b.Seq(),
		Subscribers: len(b.Subscribers()),
		Adapters:    b.Adapters(),
	}
}

// parseIPCCommand splits a line into the upper-cased command name and its
// arguments.
//
// Format:
//
//	SNAPSHOT network.                  -> cmd="SNAPSHOT", args=[network.]
//	SUBSCRIBE workspace. clock.        -> cmd="SUBSCRIBE", args=[workspace. clock.]
//	SUBMIT audio set-volume percent=40 -> cmd="SUBMIT", args=[audio set-volume percent=40]
func parseIPCCommand(line string) (string, []string) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return "", nil
	}
	return strings.ToUpper(parts[0]), parts[1:]
}

// IPCClient connects to a running daemon via Unix socket to send commands.
type IPCClient struct {
	socketPath string
}

// NewIPCClient creates a client that will connect to the daemon at socketPath.
func NewIPCClient(socketPath string) *IPCClient {
	return &IPCClient{socketPath: socketPath}
}

func (c *IPCClient) dial(ctx context.Context, line string) (net.Conn, *bufio.Reader, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to daemon: %w", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("send command: %w", err)
	}
	return conn, bufio.NewReader(conn), nil
}

// SendCommand sends a raw command line and returns the first response line.
func (c *IPCClient) SendCommand(ctx context.Context, line string) ([]byte, error) {
	conn, r, err := c.dial(ctx, line)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	resp, err := r.ReadBytes('\n')
	if err != nil && len(resp) == 0 {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty response from daemon")
		}
		return nil, fmt.Errorf("read response: %w", err)
	}
	var e errorReply
	if json.Unmarshal(resp, &e) == nil && e.Error != "" {
		return nil, errors.New(e.Error)
	}
	return resp, nil
}

func (c *IPCClient) call(ctx context.Context, line string, v any) error {
	resp, err := c.SendCommand(ctx, line)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Snapshot fetches the entries under prefix.
func (c *IPCClient) Snapshot(ctx context.Context, prefix string) (SnapshotReply, error) {
	var r SnapshotReply
	err := c.call(ctx, strings.TrimSpace("SNAPSHOT "+prefix), &r)
	return r, err
}

// Submit sends cmd and waits for its outcome.
func (c *IPCClient) Submit(ctx context.Context, cmd adapters.Command) (SubmitReply, error) {
	var r SubmitReply
	err := c.call(ctx, FormatSubmit(cmd), &r)
	return r, err
}

// Health fetches the daemon's health status.
func (c *IPCClient) Health(ctx context.Context) (HealthStatus, error) {
	var h HealthStatus
	err := c.call(ctx, "HEALTH", &h)
	return h, err
}

// Quit asks the daemon to shut down.
func (c *IPCClient) Quit(ctx context.Context) error {
	_, err := c.SendCommand(ctx, "QUIT")
	return err
}

// Stream is an open SUBSCRIBE connection.
type Stream struct {
	conn net.Conn
	dec  *json.Decoder
}

// Subscribe opens a stream for prefixes. The first message is the snapshot.
func (c *IPCClient) Subscribe(ctx context.Context, prefixes ...string) (*Stream, error) {
	line := strings.Join(append([]string{"SUBSCRIBE"}, prefixes...), " ")
	conn, r, err := c.dial(ctx, line)
	if err != nil {
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return &Stream{conn: conn, dec: json.NewDecoder(r)}, nil
}

// Next blocks for the next message.
func (s *Stream) Next() (StreamMessage, error) {
	var m StreamMessage
	if err := s.dec.Decode(&m); err != nil {
		return m, err
	}
	if m.Error != "" {
		return m, errors.New(m.Error)
	}
	return m, nil
}

// Close ends the stream.
func (s *Stream) Close() error { return s.conn.Close() }
