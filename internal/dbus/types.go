// Package dbus holds the D-Bus surface constants and error helpers shared
// by the v2 object graph and the v1 backend.
package dbus

import (
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

// v2 (GeoClue2-style) surface, exported on the system bus.
const (
	BusName = "org.freedesktop.GeoClue2to1"

	ManagerPath      = "/org/freedesktop/GeoClue2to1/Manager"
	ClientPathPrefix = "/org/freedesktop/GeoClue2to1/Client/"
	LocationPathPrefix = "/org/freedesktop/GeoClue2to1/Location/"

	ManagerInterface  = "org.freedesktop.GeoClue2to1.Manager"
	ClientInterface   = "org.freedesktop.GeoClue2to1.Client"
	LocationInterface = "org.freedesktop.GeoClue2to1.Location"

	PropertiesInterface    = "org.freedesktop.DBus.Properties"
	IntrospectableInterface = "org.freedesktop.DBus.Introspectable"

	// NoLocation is the sentinel Location path a Client reports before its
	// first update.
	NoLocation = dbus.ObjectPath("/")

	// AvailableAccuracyLevel is fixed; the daemon enforces no accuracy
	// tiering of its own.
	AvailableAccuracyLevel = uint32(8)

	// MaxStoredLocations bounds the Manager's recent-locations deque.
	MaxStoredLocations = 25
)

// v1 (GeoClue1-style) surface, consumed on the session bus.
const (
	V1MasterService = "org.freedesktop.Geoclue.Master"
	V1MasterPath    = dbus.ObjectPath("/org/freedesktop/Geoclue/Master")

	V1MasterInterface       = "org.freedesktop.Geoclue.Master"
	V1MasterClientInterface = "org.freedesktop.Geoclue.MasterClient"
	V1GeoclueInterface      = "org.freedesktop.Geoclue"
	V1PositionInterface     = "org.freedesktop.Geoclue.Position"
	V1VelocityInterface     = "org.freedesktop.Geoclue.Velocity"

	// VelocityFreshSteps is how many position events after a velocity
	// event may still report that velocity's motion fields.
	VelocityFreshSteps = 2

	// UnknownMotionValue is the sentinel reported for speed/heading/climb
	// when no fresh velocity reading covers the current position.
	UnknownMotionValue = -1.0

	// DefaultGraceTimeoutMS is the grace period applied when the CLI
	// flag and config file both leave it unset.
	DefaultGraceTimeoutMS = 15000
)

const errPrefix = "org.freedesktop.DBus.Error."

// Error names returned to callers across the v2 surface.
const (
	ErrFailedName          = errPrefix + "Failed"
	ErrUnknownInterfaceName = errPrefix + "UnknownInterface"
	ErrUnknownPropertyName  = errPrefix + "UnknownProperty"
	ErrPropertyReadOnlyName = errPrefix + "PropertyReadOnly"
	ErrUnknownObjectName    = errPrefix + "UnknownObject"
)

func newError(name, message string) *dbus.Error {
	return &dbus.Error{Name: name, Body: []interface{}{message}}
}

// ErrFailed wraps an internal error as a generic method failure.
func ErrFailed(message string) *dbus.Error {
	return newError(ErrFailedName, message)
}

// ErrUnknownInterface reports a Properties.Get/GetAll/Set call against an
// interface the object does not implement.
func ErrUnknownInterface(iface string) *dbus.Error {
	return newError(ErrUnknownInterfaceName, "No such interface "+iface)
}

// ErrUnknownProperty reports a Properties call naming a property the
// object does not have.
func ErrUnknownProperty(property string) *dbus.Error {
	return newError(ErrUnknownPropertyName, "No such property "+property)
}

// ErrPropertyReadOnly reports a Properties.Set against a read-only
// property.
func ErrPropertyReadOnly(property string) *dbus.Error {
	return newError(ErrPropertyReadOnlyName, "Property "+property+" is read-only")
}

// ErrUnknownObject reports an operation against a path the Manager has no
// record of.
func ErrUnknownObject(path string) *dbus.Error {
	return newError(ErrUnknownObjectName, "No such object "+path)
}

// PropertiesIntrospectData is the fixed introspection data for
// org.freedesktop.DBus.Properties, hand-assembled since its three methods
// are well known and must not be attributed to a domain interface.
var PropertiesIntrospectData = introspect.Interface{
	Name: PropertiesInterface,
	Methods: []introspect.Method{
		{
			Name: "Get",
			Args: []introspect.Arg{
				{Name: "interface", Type: "s", Direction: "in"},
				{Name: "property", Type: "s", Direction: "in"},
				{Name: "value", Type: "v", Direction: "out"},
			},
		},
		{
			Name: "GetAll",
			Args: []introspect.Arg{
				{Name: "interface", Type: "s", Direction: "in"},
				{Name: "properties", Type: "a{sv}", Direction: "out"},
			},
		},
		{
			Name: "Set",
			Args: []introspect.Arg{
				{Name: "interface", Type: "s", Direction: "in"},
				{Name: "property", Type: "s", Direction: "in"},
				{Name: "value", Type: "v", Direction: "in"},
			},
		},
	},
}

// DomainMethods returns v's exported *dbus.Error-returning methods, minus
// the three org.freedesktop.DBus.Properties methods every v2 object also
// implements — those belong under PropertiesIntrospectData instead.
func DomainMethods(v interface{}) []introspect.Method {
	all := introspect.Methods(v)
	out := make([]introspect.Method, 0, len(all))
	for _, m := range all {
		switch m.Name {
		case "Get", "GetAll", "Set":
			continue
		}
		out = append(out, m)
	}
	return out
}
