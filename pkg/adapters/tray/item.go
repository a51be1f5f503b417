package tray

import (
	"context"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/eucalyptus-twig/twig/pkg/dbusutil"
	"github.com/eucalyptus-twig/twig/pkg/state"
)

const (
	ItemInterface = "org.kde.StatusNotifierItem"
	ItemPath      = dbus.ObjectPath("/StatusNotifierItem")
)

// NameOwner resolves a well-known name to its unique connection name. Item
// update signals carry the unique name as sender.
func NameOwner(ctx context.Context, conn *dbus.Conn, name string) string {
	if strings.HasPrefix(name, ":") {
		return name
	}
	var owner string
	if err := conn.BusObject().CallWithContext(ctx, dbusutil.BusName+".GetNameOwner", 0, name).Store(&owner); err != nil {
		return name
	}
	return owner
}

// LoadItem reads every property of the item at service and path.
func LoadItem(ctx context.Context, conn *dbus.Conn, service string, path dbus.ObjectPath) (state.TrayItem, error) {
	props, err := dbusutil.GetAll(ctx, conn.Object(service, path), ItemInterface)
	if err != nil {
		return state.TrayItem{}, err
	}
	return ItemFromProps(service, props), nil
}

// ItemFromProps maps StatusNotifierItem properties.
func ItemFromProps(service string, props map[string]dbus.Variant) state.TrayItem {
	it := state.TrayItem{
		ID:       dbusutil.PropOr(props, "Id", ""),
		Service:  service,
		Title:    dbusutil.PropOr(props, "Title", ""),
		Status:   dbusutil.PropOr(props, "Status", "Active"),
		Category: dbusutil.PropOr(props, "Category", "ApplicationStatus"),
		IconName: dbusutil.PropOr(props, "IconName", ""),
		IsMenu:   dbusutil.PropOr(props, "ItemIsMenu", false),
	}
	if it.Status == "NeedsAttention" {
		if icon := dbusutil.PropOr(props, "AttentionIconName", ""); icon != "" {
			it.IconName = icon
		}
	}
	if v, ok := props["ToolTip"]; ok {
		it.Tooltip = Tooltip(v.Value())
	}
	return it
}

// Tooltip extracts the text of a ToolTip property, whose layout is
// (icon name, icon pixmaps, title, description). The title is preferred.
func Tooltip(v any) string {
	fields, ok := v.([]any)
	if !ok || len(fields) < 3 {
		return ""
	}
	if title, ok := fields[2].(string); ok && title != "" {
		return title
	}
	if len(fields) > 3 {
		desc, _ := fields[3].(string)
		return desc
	}
	return ""
}
