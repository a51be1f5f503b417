package state

import (
	"sort"
	"strings"
)

// Workspaces collects the Workspace values of entries, ordered by ID with
// special workspaces (negative IDs) last.
func Workspaces(entries []Entry) []Workspace {
	var out []Workspace
	for _, e := range entries {
		if w, ok := e.Value.(Workspace); ok {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Special != out[j].Special {
			return !out[i].Special
		}
		if out[i].Special {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// TrayItems collects the TrayItem values of entries in key order, which is
// registration-independent and stable across reconnects.
func TrayItems(entries []Entry) []TrayItem {
	var out []TrayItem
	for _, e := range entries {
		if t, ok := e.Value.(TrayItem); ok {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].ID) < strings.ToLower(out[j].ID)
	})
	return out
}

// Notifications collects Notification values, newest first.
func Notifications(entries []Entry) []Notification {
	var out []Notification
	for _, e := range entries {
		if n, ok := e.Value.(Notification); ok {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}
