// Package hyprland talks to the Hyprland compositor over its two unix
// sockets: .socket.sock answers one request per connection and
// .socket2.sock streams "EVENT>>DATA" lines.
package hyprland

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNoInstance means HYPRLAND_INSTANCE_SIGNATURE is not set.
	ErrNoInstance = errors.New("hyprland instance signature not set")

	// ErrMalformedEvent is returned by ParseEvent.
	ErrMalformedEvent = errors.New("malformed hyprland event")
)

// DispatchError carries the compositor's reply to a refused dispatch.
type DispatchError struct {
	Reply string
}

func (e *DispatchError) Error() string { return e.Reply }

// Paths returns the request and event socket paths of the running instance.
func Paths() (request, events string, err error) {
	sig := os.Getenv("HYPRLAND_INSTANCE_SIGNATURE")
	if sig == "" {
		return "", "", ErrNoInstance
	}
	runtime := os.Getenv("XDG_RUNTIME_DIR")
	if runtime == "" {
		runtime = filepath.Join("/run/user", strconv.Itoa(os.Getuid()))
	}
	dir := filepath.Join(runtime, "hypr", sig)
	return filepath.Join(dir, ".socket.sock"), filepath.Join(dir, ".socket2.sock"), nil
}

// Client issues requests on the request socket.
type Client struct {
	RequestPath string
	EventsPath  string
	Timeout     time.Duration
}

// NewClient returns a client for the running instance.
func NewClient() (*Client, error) {
	req, ev, err := Paths()
	if err != nil {
		return nil, err
	}
	return &Client{RequestPath: req, EventsPath: ev, Timeout: 2 * time.Second}, nil
}

// Request sends one raw request and returns the full reply.
func (c *Client) Request(ctx context.Context, req string) ([]byte, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.RequestPath)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.RequestPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout())
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	if _, err := io.WriteString(conn, req); err != nil {
		return nil, fmt.Errorf("write request %q: %w", req, err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		_ = uc.CloseWrite()
	}
	reply, err := io.ReadAll(conn)
	if err != nil {
		return nil, fmt.Errorf("read reply to %q: %w", req, err)
	}
	return reply, nil
}

// RequestJSON sends "j/<cmd>" and decodes the reply into v.
func (c *Client) RequestJSON(ctx context.Context, cmd string, v any) error {
	reply, err := c.Request(ctx, "j/"+cmd)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(reply, v); err != nil {
		return fmt.Errorf("decode %s reply: %w", cmd, err)
	}
	return nil
}

// Dispatch runs a dispatcher, e.g. "workspace 3". Any reply other than
// "ok" is returned as a *DispatchError.
func (c *Client) Dispatch(ctx context.Context, args string) error {
	reply, err := c.Request(ctx, "dispatch "+args)
	if err != nil {
		return err
	}
	if r := strings.TrimSpace(string(reply)); r != "ok" {
		return &DispatchError{Reply: r}
	}
	return nil
}

// Workspaces lists all workspaces.
func (c *Client) Workspaces(ctx context.Context) ([]Workspace, error) {
	var ws []Workspace
	err := c.RequestJSON(ctx, "workspaces", &ws)
	return ws, err
}

// ActiveWorkspace returns the focused workspace.
func (c *Client) ActiveWorkspace(ctx context.Context) (Workspace, error) {
	var w Workspace
	err := c.RequestJSON(ctx, "activeworkspace", &w)
	return w, err
}

// ActiveWindow returns the focused window. Address is empty when no window
// has focus.
func (c *Client) ActiveWindow(ctx context.Context) (Window, error) {
	var w Window
	reply, err := c.Request(ctx, "j/activewindow")
	if err != nil {
		return w, err
	}
	if s := strings.TrimSpace(string(reply)); s == "" || s == "{}" {
		return w, nil
	}
	if err := json.Unmarshal(reply, &w); err != nil {
		return w, fmt.Errorf("decode activewindow reply: %w", err)
	}
	return w, nil
}

// Monitors lists the monitors.
func (c *Client) Monitors(ctx context.Context) ([]Monitor, error) {
	var ms []Monitor
	err := c.RequestJSON(ctx, "monitors", &ms)
	return ms, err
}

// Devices returns the input devices.
func (c *Client) Devices(ctx context.Context) (Devices, error) {
	var d Devices
	err := c.RequestJSON(ctx, "devices", &d)
	return d, err
}

func (c *Client) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 2 * time.Second
	}
	return c.Timeout
}

// Events opens the event socket.
func (c *Client) Events(ctx context.Context) (*EventStream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.EventsPath)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.EventsPath, err)
	}
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	return &EventStream{conn: conn, scanner: sc}, nil
}

// EventStream reads events line by line.
type EventStream struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

// Next blocks for the next line. A malformed line returns an error wrapping
// ErrMalformedEvent and the stream stays usable; io.EOF means the
// compositor closed the socket.
func (s *EventStream) Next() (Event, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return Event{}, err
		}
		return Event{}, io.EOF
	}
	return ParseEvent(s.scanner.Text())
}

// Close closes the socket and unblocks Next.
func (s *EventStream) Close() error { return s.conn.Close() }

// Result is one outcome of Next.
type Result struct {
	Event Event
	Err   error
}

// C reads the stream on a goroutine. Malformed lines arrive with Err
// wrapping ErrMalformedEvent; the final result carries io.EOF or the read
// error and the channel is closed after it. The goroutine also exits once
// ctx is done.
func (s *EventStream) C(ctx context.Context) <-chan Result {
	ch := make(chan Result, 32)
	go func() {
		defer close(ch)
		for {
			ev, err := s.Next()
			select {
			case ch <- Result{Event: ev, Err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil && !errors.Is(err, ErrMalformedEvent) {
				return
			}
		}
	}()
	return ch
}

// Event is one line of the event socket.
type Event struct {
	Name string
	Data string
}

// ParseEvent splits "EVENT>>DATA".
func ParseEvent(line string) (Event, error) {
	line = strings.TrimRight(line, "\r\n")
	name, data, ok := strings.Cut(line, ">>")
	if !ok || name == "" {
		return Event{}, fmt.Errorf("%w: %q", ErrMalformedEvent, line)
	}
	return Event{Name: name, Data: data}, nil
}

// Fields splits the event data into at most n comma separated fields; the
// last field keeps any further commas (window titles may contain them).
func (e Event) Fields(n int) []string {
	return strings.SplitN(e.Data, ",", n)
}

// Workspace is an element of j/workspaces.
type Workspace struct {
	ID              int    `json:"id"`
	Name            string `json:"name"`
	Monitor         string `json:"monitor"`
	MonitorID       int    `json:"monitorID"`
	Windows         int    `json:"windows"`
	HasFullscreen   bool   `json:"hasfullscreen"`
	LastWindowTitle string `json:"lastwindowtitle"`
}

// Special reports whether the workspace is a special (scratchpad) one.
func (w Workspace) Special() bool {
	return w.ID < 0 || strings.HasPrefix(w.Name, "special:")
}

// Window is the reply of j/activewindow.
type Window struct {
	Address    string   `json:"address"`
	Class      string   `json:"class"`
	Title      string   `json:"title"`
	Workspace  WSRef    `json:"workspace"`
	Fullscreen FlexBool `json:"fullscreen"`
}

// WSRef is the short workspace reference embedded in other replies.
type WSRef struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Monitor is an element of j/monitors.
type Monitor struct {
	ID               int    `json:"id"`
	Name             string `json:"name"`
	Focused          bool   `json:"focused"`
	ActiveWorkspace  WSRef  `json:"activeWorkspace"`
	SpecialWorkspace WSRef  `json:"specialWorkspace"`
}

// Devices is the reply of j/devices; only keyboards are decoded.
type Devices struct {
	Keyboards []Keyboard `json:"keyboards"`
}

// Keyboard is one keyboard device.
type Keyboard struct {
	Name         string `json:"name"`
	ActiveKeymap string `json:"active_keymap"`
	Main         bool   `json:"main"`
}

// MainKeymap returns the active keymap of the main keyboard, or of the
// first keyboard when none is marked main.
func (d Devices) MainKeymap() string {
	for _, k := range d.Keyboards {
		if k.Main {
			return k.ActiveKeymap
		}
	}
	if len(d.Keyboards) > 0 {
		return d.Keyboards[0].ActiveKeymap
	}
	return ""
}

// FlexBool decodes both the boolean and the integer fullscreen field used
// by different Hyprland releases.
type FlexBool bool

func (b *FlexBool) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	switch s {
	case "true":
		*b = true
		return nil
	case "false", "null":
		*b = false
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("fullscreen: %w", err)
	}
	*b = n != 0
	return nil
}
