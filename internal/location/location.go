// Package location implements the immutable v2 Location entity: a
// per-update object exported onto the bus only once all of its
// properties are populated.
package location

import (
	"strconv"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	dbustypes "github.com/nikicat/geoclue2to1/internal/dbus"
	"github.com/nikicat/geoclue2to1/internal/v1backend"
)

// Location is read-only once exported; the Manager mints a new one per
// position update rather than mutating an existing one.
type Location struct {
	mu sync.Mutex

	conn     *dbus.Conn
	path     dbus.ObjectPath
	exported bool

	latitude, longitude, accuracy, altitude, speed, heading float64
	description                                              string
	timestampSec, timestampUsec                              uint64
}

// timestamp is the (tt) struct GeoClue2 clients expect for the Timestamp
// property: seconds since the epoch, then microseconds.
type timestamp struct {
	Sec, Usec uint64
}

// New allocates a Location at path. Call Export once its fields should be
// populated and published; the object carries no D-Bus presence before
// that.
func New(path dbus.ObjectPath) *Location {
	return &Location{path: path}
}

// Path returns the object path this Location is (or will be) exported at.
func (l *Location) Path() dbus.ObjectPath { return l.path }

// Export populates every property from pos and exports the object onto
// conn. Properties are set before the export call so that no observer can
// ever read a half-built Location.
func (l *Location) Export(conn *dbus.Conn, pos v1backend.Position) error {
	l.mu.Lock()
	l.latitude = pos.Latitude
	l.longitude = pos.Longitude
	l.accuracy = pos.Accuracy
	l.altitude = pos.Altitude
	l.speed = pos.Speed
	l.heading = pos.Heading
	l.description = ""
	l.timestampSec, l.timestampUsec = parseTimestamp(pos.Timestamp)
	l.mu.Unlock()

	if err := conn.Export(l, l.path, dbustypes.LocationInterface); err != nil {
		return err
	}
	if err := conn.Export(l, l.path, dbustypes.PropertiesInterface); err != nil {
		return err
	}
	node := &introspect.Node{
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			dbustypes.PropertiesIntrospectData,
			{Name: dbustypes.LocationInterface, Methods: dbustypes.DomainMethods(l)},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), l.path, dbustypes.IntrospectableInterface); err != nil {
		return err
	}

	l.mu.Lock()
	l.conn = conn
	l.exported = true
	l.mu.Unlock()
	return nil
}

// Unexport drops the object from the bus. Called when the Manager evicts
// this Location from its recent-locations deque.
func (l *Location) Unexport() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.exported {
		return
	}
	l.conn.Export(nil, l.path, dbustypes.LocationInterface)
	l.conn.Export(nil, l.path, dbustypes.PropertiesInterface)
	l.conn.Export(nil, l.path, dbustypes.IntrospectableInterface)
	l.exported = false
}

func parseTimestamp(raw string) (sec, usec uint64) {
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return uint64(v), 0
	}
	now := time.Now()
	return uint64(now.Unix()), uint64(now.Nanosecond() / 1000)
}

// Get implements org.freedesktop.DBus.Properties.Get.
func (l *Location) Get(iface, property string) (dbus.Variant, *dbus.Error) {
	if iface != dbustypes.LocationInterface {
		return dbus.Variant{}, dbustypes.ErrUnknownInterface(iface)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch property {
	case "Latitude":
		return dbus.MakeVariant(l.latitude), nil
	case "Longitude":
		return dbus.MakeVariant(l.longitude), nil
	case "Accuracy":
		return dbus.MakeVariant(l.accuracy), nil
	case "Altitude":
		return dbus.MakeVariant(l.altitude), nil
	case "Speed":
		return dbus.MakeVariant(l.speed), nil
	case "Heading":
		return dbus.MakeVariant(l.heading), nil
	case "Description":
		return dbus.MakeVariant(l.description), nil
	case "Timestamp":
		return dbus.MakeVariant(timestamp{Sec: l.timestampSec, Usec: l.timestampUsec}), nil
	default:
		return dbus.Variant{}, dbustypes.ErrUnknownProperty(property)
	}
}

// GetAll implements org.freedesktop.DBus.Properties.GetAll.
func (l *Location) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != dbustypes.LocationInterface {
		return nil, dbustypes.ErrUnknownInterface(iface)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return map[string]dbus.Variant{
		"Latitude":    dbus.MakeVariant(l.latitude),
		"Longitude":   dbus.MakeVariant(l.longitude),
		"Accuracy":    dbus.MakeVariant(l.accuracy),
		"Altitude":    dbus.MakeVariant(l.altitude),
		"Speed":       dbus.MakeVariant(l.speed),
		"Heading":     dbus.MakeVariant(l.heading),
		"Description": dbus.MakeVariant(l.description),
		"Timestamp":   dbus.MakeVariant(timestamp{Sec: l.timestampSec, Usec: l.timestampUsec}),
	}, nil
}

// Set implements org.freedesktop.DBus.Properties.Set. Every Location
// property is read-only.
func (l *Location) Set(iface, property string, value dbus.Variant) *dbus.Error {
	if iface != dbustypes.LocationInterface {
		return dbustypes.ErrUnknownInterface(iface)
	}
	return dbustypes.ErrPropertyReadOnly(property)
}
