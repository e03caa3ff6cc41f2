package bluez

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"
)

const (
	DeviceInterface     = "org.bluez.Device1"
	propertiesInterface = "org.freedesktop.DBus.Properties"
	propertiesChanged   = propertiesInterface + ".PropertiesChanged"
)

var ErrSignalsClosed = errors.New("bluez: signal channel closed")

// DeviceEvent is a change of a Device1 Connected property.
type DeviceEvent struct {
	Path      dbus.ObjectPath
	Address   string
	Connected bool
}

// DeviceEventFromSignal extracts a Connected change for a device under
// adapter. Any other signal reports false.
func DeviceEventFromSignal(sig *dbus.Signal, adapter dbus.ObjectPath) (DeviceEvent, bool) {
	if sig == nil || sig.Name != propertiesChanged || !underAdapter(sig.Path, adapter) {
		return DeviceEvent{}, false
	}
	if len(sig.Body) < 2 {
		return DeviceEvent{}, false
	}
	if iface, ok := sig.Body[0].(string); !ok || iface != DeviceInterface {
		return DeviceEvent{}, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return DeviceEvent{}, false
	}
	v, ok := changed["Connected"]
	if !ok {
		return DeviceEvent{}, false
	}
	connected, ok := v.Value().(bool)
	if !ok {
		return DeviceEvent{}, false
	}
	return DeviceEvent{Path: sig.Path, Address: deviceAddress(sig.Path), Connected: connected}, true
}

// ConnectedDevices lists devices under adapter whose Connected property is
// already set, sorted by path.
func ConnectedDevices(objects ManagedObjects, adapter dbus.ObjectPath) []DeviceEvent {
	var out []DeviceEvent
	for p, ifaces := range objects {
		props, ok := ifaces[DeviceInterface]
		if !ok || !underAdapter(p, adapter) || !boolProp(props, "Connected") {
			continue
		}
		addr := stringProp(props, "Address")
		if addr == "" {
			addr = deviceAddress(p)
		}
		out = append(out, DeviceEvent{Path: p, Address: addr, Connected: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Follow reports device events read from signals until ctx is done.
func Follow(ctx context.Context, signals <-chan *dbus.Signal, adapter dbus.ObjectPath, report func(DeviceEvent)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return ErrSignalsClosed
			}
			ev, ok := DeviceEventFromSignal(sig, adapter)
			if !ok {
				continue
			}
			log.Debug().Str("device", string(ev.Path)).Bool("connected", ev.Connected).
				Msg("bluez.Follow device event")
			report(ev)
		}
	}
}

// WatchConnections reports centrals connecting to and leaving the named
// adapter until ctx is done. Devices connected before the subscription are
// reported first.
func WatchConnections(ctx context.Context, name string, report func(DeviceEvent)) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("bluez: connect system bus: %w", err)
	}
	objects, err := managedObjects(ctx, conn)
	if err != nil {
		return err
	}
	adapter, err := FindAdapter(objects, name)
	if err != nil {
		return err
	}

	rule := matchRule(adapter.Path)
	if err := conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		return fmt.Errorf("bluez: add match: %w", err)
	}
	defer conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule)

	signals := make(chan *dbus.Signal, 64)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	objects, err = managedObjects(ctx, conn)
	if err != nil {
		return err
	}
	for _, ev := range ConnectedDevices(objects, adapter.Path) {
		report(ev)
	}
	log.Info().Str("adapter", adapter.Name).Msg("bluez.WatchConnections watching")
	return Follow(ctx, signals, adapter.Path, report)
}

func managedObjects(ctx context.Context, conn *dbus.Conn) (ManagedObjects, error) {
	objects := make(ManagedObjects)
	obj := conn.Object(BusName, "/")
	if err := obj.CallWithContext(ctx, managedObjectsCall, 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("bluez: managed objects: %w", err)
	}
	return objects, nil
}

func matchRule(adapter dbus.ObjectPath) string {
	return fmt.Sprintf(
		"type='signal',sender='%s',interface='%s',member='PropertiesChanged',arg0='%s',path_namespace='%s'",
		BusName, propertiesInterface, DeviceInterface, adapter,
	)
}

func underAdapter(p, adapter dbus.ObjectPath) bool {
	return strings.HasPrefix(string(p), string(adapter)+"/")
}

// deviceAddress turns .../dev_AA_BB_CC_DD_EE_FF into AA:BB:CC:DD:EE:FF.
func deviceAddress(p dbus.ObjectPath) string {
	s := string(p)
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimPrefix(s, "dev_")
	return strings.ReplaceAll(s, "_", ":")
}
