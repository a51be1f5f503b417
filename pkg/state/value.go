// Package state defines the typed values held in the status tree, the
// messages adapters emit, and the change events the hub publishes.
package state

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"
)

// Kind names a Value variant. It is used as the tag in the JSON envelope.
type Kind string

const (
	KindPercent      Kind = "percent"
	KindEnum         Kind = "enum"
	KindText         Kind = "text"
	KindBool         Kind = "bool"
	KindInt          Kind = "int"
	KindDuration     Kind = "duration"
	KindWorkspace    Kind = "workspace"
	KindTrayItem     Kind = "tray_item"
	KindConnection   Kind = "connection"
	KindDevice       Kind = "device"
	KindNotification Kind = "notification"
)

// Value is a typed leaf of the status tree. Implementations are immutable
// value types; Equal must be reflexive and symmetric.
type Value interface {
	Kind() Kind
	Equal(other Value) bool
	String() string
}

// Percent is a 0-100 quantity such as battery charge or volume.
type Percent float64

func (p Percent) Kind() Kind { return KindPercent }

// Equal treats NaN as equal to itself so that Equal stays reflexive.
func (p Percent) Equal(o Value) bool {
	v, ok := o.(Percent)
	if !ok {
		return false
	}
	return v == p || (math.IsNaN(float64(v)) && math.IsNaN(float64(p)))
}

func (p Percent) String() string { return strconv.FormatFloat(float64(p), 'f', -1, 64) + "%" }

// ClampPercent bounds f to [0, 100]. NaN maps to 0.
func ClampPercent(f float64) Percent {
	switch {
	case math.IsNaN(f), f < 0:
		return 0
	case f > 100:
		return 100
	}
	return Percent(f)
}

// Enum is a value drawn from a small closed set (e.g. "charging").
type Enum string

func (e Enum) Kind() Kind { return KindEnum }

func (e Enum) Equal(o Value) bool {
	v, ok := o.(Enum)
	return ok && v == e
}

func (e Enum) String() string { return string(e) }

// Text is free-form text.
type Text string

func (t Text) Kind() Kind { return KindText }

func (t Text) Equal(o Value) bool {
	v, ok := o.(Text)
	return ok && v == t
}

func (t Text) String() string { return string(t) }

// Bool is a flag.
type Bool bool

func (b Bool) Kind() Kind { return KindBool }

func (b Bool) Equal(o Value) bool {
	v, ok := o.(Bool)
	return ok && v == b
}

func (b Bool) String() string { return strconv.FormatBool(bool(b)) }

// Int is a count or identifier.
type Int int64

func (i Int) Kind() Kind { return KindInt }

func (i Int) Equal(o Value) bool {
	v, ok := o.(Int)
	return ok && v == i
}

func (i Int) String() string { return strconv.FormatInt(int64(i), 10) }

// Duration is a span such as time-to-empty.
type Duration time.Duration

func (d Duration) Kind() Kind { return KindDuration }

func (d Duration) Equal(o Value) bool {
	v, ok := o.(Duration)
	return ok && v == d
}

func (d Duration) String() string { return time.Duration(d).String() }

// Workspace describes one compositor workspace.
type Workspace struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Monitor string `json:"monitor,omitempty"`
	Windows int    `json:"windows"`
	Active  bool   `json:"active"`
	Special bool   `json:"special,omitempty"`
}

func (w Workspace) Kind() Kind { return KindWorkspace }

func (w Workspace) Equal(o Value) bool {
	v, ok := o.(Workspace)
	return ok && v == w
}

func (w Workspace) String() string {
	s := fmt.Sprintf("%d:%s", w.ID, w.Name)
	if w.Active {
		s += "*"
	}
	return s
}

// TrayItem is a StatusNotifierItem as seen by the bar.
type TrayItem struct {
	ID       string `json:"id"`
	Service  string `json:"service"`
	Title    string `json:"title,omitempty"`
	Tooltip  string `json:"tooltip,omitempty"`
	Status   string `json:"status,omitempty"`
	Category string `json:"category,omitempty"`
	IconName string `json:"icon_name,omitempty"`
	IsMenu   bool   `json:"is_menu,omitempty"`
}

func (t TrayItem) Kind() Kind { return KindTrayItem }

func (t TrayItem) Equal(o Value) bool {
	v, ok := o.(TrayItem)
	return ok && v == t
}

func (t TrayItem) String() string {
	if t.Title != "" {
		return t.Title
	}
	return t.ID
}

// Connection is the primary network connection.
type Connection struct {
	State  string `json:"state"`
	Type   string `json:"type,omitempty"`
	Name   string `json:"name,omitempty"`
	SSID   string `json:"ssid,omitempty"`
	Signal int    `json:"signal,omitempty"`
}

func (c Connection) Kind() Kind { return KindConnection }

func (c Connection) Equal(o Value) bool {
	v, ok := o.(Connection)
	return ok && v == c
}

func (c Connection) String() string {
	switch {
	case c.SSID != "":
		return fmt.Sprintf("%s %s (%d%%)", c.State, c.SSID, c.Signal)
	case c.Name != "":
		return c.State + " " + c.Name
	}
	return c.State
}

// Device is a Bluetooth device.
type Device struct {
	Address   string `json:"address"`
	Name      string `json:"name,omitempty"`
	Icon      string `json:"icon,omitempty"`
	Paired    bool   `json:"paired"`
	Connected bool   `json:"connected"`
	Battery   int    `json:"battery,omitempty"`
}

func (d Device) Kind() Kind { return KindDevice }

func (d Device) Equal(o Value) bool {
	v, ok := o.(Device)
	return ok && v == d
}

func (d Device) String() string {
	name := d.Name
	if name == "" {
		name = d.Address
	}
	if d.Connected {
		return name + " (connected)"
	}
	return name
}

// Notification is a desktop notification held by the notification server.
type Notification struct {
	ID      uint32    `json:"id"`
	App     string    `json:"app"`
	Summary string    `json:"summary"`
	Body    string    `json:"body,omitempty"`
	Icon    string    `json:"icon,omitempty"`
	Urgency string    `json:"urgency"`
	Actions []string  `json:"actions,omitempty"`
	Time    time.Time `json:"time"`
}

func (n Notification) Kind() Kind { return KindNotification }

func (n Notification) Equal(o Value) bool {
	v, ok := o.(Notification)
	if !ok {
		return false
	}
	return v.ID == n.ID && v.App == n.App && v.Summary == n.Summary &&
		v.Body == n.Body && v.Icon == n.Icon && v.Urgency == n.Urgency &&
		v.Time.Equal(n.Time) && slices.Equal(v.Actions, n.Actions)
}

func (n Notification) String() string { return n.App + ": " + n.Summary }

// Equal compares two possibly-nil values. Two nils are equal.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(b)
}
