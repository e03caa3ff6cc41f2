// Package bluez talks to the BlueZ daemon over the system bus: it checks that
// a usable GATT adapter exists before the peripheral starts and reports
// centrals connecting to it.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"
)

const (
	BusName            = "org.bluez"
	AdapterInterface   = "org.bluez.Adapter1"
	GattManagerIface   = "org.bluez.GattManager1"
	AdvertisingManager = "org.bluez.LEAdvertisingManager1"
	managedObjectsCall = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
)

var (
	ErrNoAdapter     = errors.New("bluez: no GATT capable adapter")
	ErrAdapterOff    = errors.New("bluez: adapter not powered")
	ErrNoAdvertising = errors.New("bluez: adapter cannot advertise")
)

// ManagedObjects mirrors the reply of ObjectManager.GetManagedObjects.
type ManagedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

type Adapter struct {
	Path        dbus.ObjectPath
	Name        string
	Address     string
	Alias       string
	Powered     bool
	Advertising bool
}

// FindAdapter returns the adapter exposing GattManager1. An empty name picks
// the first such adapter by object path.
func FindAdapter(objects ManagedObjects, name string) (Adapter, error) {
	paths := make([]string, 0, len(objects))
	for p := range objects {
		paths = append(paths, string(p))
	}
	sort.Strings(paths)

	for _, p := range paths {
		ifaces := objects[dbus.ObjectPath(p)]
		if _, ok := ifaces[GattManagerIface]; !ok {
			continue
		}
		if name != "" && path.Base(p) != name {
			continue
		}
		props := ifaces[AdapterInterface]
		_, canAdvertise := ifaces[AdvertisingManager]
		return Adapter{
			Path:        dbus.ObjectPath(p),
			Name:        path.Base(p),
			Address:     stringProp(props, "Address"),
			Alias:       stringProp(props, "Alias"),
			Powered:     boolProp(props, "Powered"),
			Advertising: canAdvertise,
		}, nil
	}
	if name != "" {
		return Adapter{}, fmt.Errorf("%w: %s", ErrNoAdapter, name)
	}
	return Adapter{}, ErrNoAdapter
}

// Check validates an adapter found by FindAdapter.
func (a Adapter) Check() error {
	if !a.Powered {
		return fmt.Errorf("%w: %s", ErrAdapterOff, a.Name)
	}
	if !a.Advertising {
		return fmt.Errorf("%w: %s", ErrNoAdvertising, a.Name)
	}
	return nil
}

// Preflight queries the system bus for the named adapter and checks it.
func Preflight(ctx context.Context, name string) (Adapter, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return Adapter{}, fmt.Errorf("bluez: connect system bus: %w", err)
	}
	objects, err := managedObjects(ctx, conn)
	if err != nil {
		return Adapter{}, err
	}
	adapter, err := FindAdapter(objects, name)
	if err != nil {
		return Adapter{}, err
	}
	if err := adapter.Check(); err != nil {
		return adapter, err
	}
	log.Info().Str("adapter", adapter.Name).Str("address", adapter.Address).
		Msg("bluez.Preflight adapter ready")
	return adapter, nil
}

func stringProp(props map[string]dbus.Variant, key string) string {
	v, ok := props[key]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

func boolProp(props map[string]dbus.Variant, key string) bool {
	v, ok := props[key]
	if !ok {
		return false
	}
	b, _ := v.Value().(bool)
	return b
}
