package daemon

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
	"github.com/eucalyptus-twig/twig/pkg/state"
)

// Stream message types sent after SUBSCRIBE.
const (
	TypeSnapshot = "snapshot"
	TypeEvent    = "event"
	TypeResync   = "resync"
	TypeStale    = "stale"
)

// SnapshotReply answers SNAPSHOT.
type SnapshotReply struct {
	Seq     uint64        `json:"seq"`
	Entries []state.Entry `json:"entries"`
}

// StreamMessage is one line of a SUBSCRIBE stream. The first line is a
// snapshot; later lines are events, stale flag changes of an adapter's keys,
// or resyncs after the subscriber fell behind.
type StreamMessage struct {
	Type    string             `json:"type"`
	Seq     uint64             `json:"seq"`
	Event   *state.ChangeEvent `json:"event,omitempty"`
	Stale   *state.StaleNotice `json:"stale,omitempty"`
	Entries []state.Entry      `json:"entries,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// SubmitReply answers SUBMIT with the command's terminal outcome.
type SubmitReply struct {
	CorrelationID string `json:"correlation_id"`
	Adapter       string `json:"adapter,omitempty"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
}

// HealthStatus answers HEALTH and is the content of the health file.
type HealthStatus struct {
	PID         int               `json:"pid"`
	StartedAt   time.Time         `json:"started_at"`
	Uptime      string            `json:"uptime"`
	Seq         uint64            `json:"seq"`
	Subscribers int               `json:"subscribers"`
	Adapters    []adapters.Status `json:"adapters"`
}

// errorReply is sent for failed requests.
type errorReply struct {
	Error string `json:"error"`
}

// timeoutParam sets Command.Timeout on SUBMIT.
const timeoutParam = "@timeout"

// ParseSubmit parses the arguments of "SUBMIT <target> <action> [k=v...]".
func ParseSubmit(args []string) (adapters.Command, error) {
	if len(args) < 2 {
		return adapters.Command{}, fmt.Errorf("usage: SUBMIT <target> <action> [key=value...]")
	}
	cmd := adapters.Command{Target: args[0], Action: args[1]}
	for _, kv := range args[2:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return adapters.Command{}, fmt.Errorf("parameter %q: want key=value", kv)
		}
		if k == timeoutParam {
			d, err := time.ParseDuration(v)
			if err != nil {
				return adapters.Command{}, fmt.Errorf("parameter %s: %w", timeoutParam, err)
			}
			cmd.Timeout = d
			continue
		}
		if cmd.Params == nil {
			cmd.Params = make(map[string]string)
		}
		cmd.Params[k] = v
	}
	return cmd, nil
}

// FormatSubmit is the inverse of ParseSubmit.
func FormatSubmit(cmd adapters.Command) string {
	parts := []string{"SUBMIT", cmd.Target, cmd.Action}
	keys := make([]string, 0, len(cmd.Params))
	for k := range cmd.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+cmd.Params[k])
	}
	if cmd.Timeout > 0 {
		parts = append(parts, timeoutParam+"="+cmd.Timeout.String())
	}
	return strings.Join(parts, " ")
}
