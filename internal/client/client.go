// Package client implements the per-peer v2 Client entity: Start/Stop,
// the Active flag, the Location pointer, and the LocationUpdated signal.
package client

import (
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	dbustypes "github.com/nikicat/geoclue2to1/internal/dbus"
)

// LifecycleObserver is notified every time a Client's Active flag flips.
// The Manager implements this without the Client holding an owning
// reference back to it.
type LifecycleObserver interface {
	OnActiveChanged(c *Client, active bool)
}

// Client is exported at a unique path for the lifetime of one v2
// consumer (deduplicated by peer for GetClient, never for CreateClient).
type Client struct {
	mu sync.Mutex

	conn     *dbus.Conn
	path     dbus.ObjectPath
	peer     string
	observer LifecycleObserver

	active   bool
	location dbus.ObjectPath

	distanceThreshold      uint32
	timeThreshold          uint32
	desktopID              string
	requestedAccuracyLevel uint32
}

// New exports a Client at path on conn and returns it. observer is
// notified on every Active-flag transition; it may be nil in tests.
func New(conn *dbus.Conn, path dbus.ObjectPath, peer string, observer LifecycleObserver) (*Client, error) {
	c := &Client{
		conn:     conn,
		path:     path,
		peer:     peer,
		observer: observer,
		location: dbustypes.NoLocation,
	}

	if err := conn.Export(c, path, dbustypes.ClientInterface); err != nil {
		return nil, err
	}
	if err := conn.Export(c, path, dbustypes.PropertiesInterface); err != nil {
		return nil, err
	}
	node := &introspect.Node{
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			dbustypes.PropertiesIntrospectData,
			{Name: dbustypes.ClientInterface, Methods: dbustypes.DomainMethods(c)},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), path, dbustypes.IntrospectableInterface); err != nil {
		return nil, err
	}

	return c, nil
}

// Path returns this Client's object path.
func (c *Client) Path() dbus.ObjectPath { return c.path }

// Peer returns the bus-assigned name of the caller this Client belongs
// to.
func (c *Client) Peer() string { return c.peer }

// Active reports the current Active flag.
func (c *Client) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Start implements the Client.Start method: if already active, completes
// successfully with no further effect. Otherwise flips Active and
// notifies the observer.
func (c *Client) Start() *dbus.Error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return nil
	}
	c.active = true
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.OnActiveChanged(c, true)
	}
	return nil
}

// Stop implements the Client.Stop method, symmetric to Start.
func (c *Client) Stop() *dbus.Error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return nil
	}
	c.active = false
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.OnActiveChanged(c, false)
	}
	return nil
}

// NotifyLocationUpdate is the Manager's delivery hook, not a remote
// method: if the client is inactive the update is dropped; otherwise the
// Location property advances and LocationUpdated fires.
func (c *Client) NotifyLocationUpdate(path dbus.ObjectPath) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	old := c.location
	c.location = path
	c.mu.Unlock()

	c.conn.Emit(c.path, dbustypes.ClientInterface+".LocationUpdated", old, path)
}

// Close transitions to inactive (if still active, mirroring the
// observer effects of an explicit Stop) and unexports the object. Call
// once, on DeleteClient, peer disappearance, or Manager shutdown.
func (c *Client) Close() {
	c.mu.Lock()
	wasActive := c.active
	c.active = false
	c.mu.Unlock()

	if wasActive && c.observer != nil {
		c.observer.OnActiveChanged(c, false)
	}

	c.conn.Export(nil, c.path, dbustypes.ClientInterface)
	c.conn.Export(nil, c.path, dbustypes.PropertiesInterface)
	c.conn.Export(nil, c.path, dbustypes.IntrospectableInterface)
}

// Get implements org.freedesktop.DBus.Properties.Get.
func (c *Client) Get(iface, property string) (dbus.Variant, *dbus.Error) {
	if iface != dbustypes.ClientInterface {
		return dbus.Variant{}, dbustypes.ErrUnknownInterface(iface)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch property {
	case "Location":
		return dbus.MakeVariant(c.location), nil
	case "DistanceThreshold":
		return dbus.MakeVariant(c.distanceThreshold), nil
	case "TimeThreshold":
		return dbus.MakeVariant(c.timeThreshold), nil
	case "DesktopId":
		return dbus.MakeVariant(c.desktopID), nil
	case "RequestedAccuracyLevel":
		return dbus.MakeVariant(c.requestedAccuracyLevel), nil
	case "Active":
		return dbus.MakeVariant(c.active), nil
	default:
		return dbus.Variant{}, dbustypes.ErrUnknownProperty(property)
	}
}

// GetAll implements org.freedesktop.DBus.Properties.GetAll.
func (c *Client) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != dbustypes.ClientInterface {
		return nil, dbustypes.ErrUnknownInterface(iface)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]dbus.Variant{
		"Location":               dbus.MakeVariant(c.location),
		"DistanceThreshold":      dbus.MakeVariant(c.distanceThreshold),
		"TimeThreshold":          dbus.MakeVariant(c.timeThreshold),
		"DesktopId":              dbus.MakeVariant(c.desktopID),
		"RequestedAccuracyLevel": dbus.MakeVariant(c.requestedAccuracyLevel),
		"Active":                 dbus.MakeVariant(c.active),
	}, nil
}

// Set implements org.freedesktop.DBus.Properties.Set. DistanceThreshold,
// TimeThreshold, DesktopId, and RequestedAccuracyLevel are accepted and
// stored but never consulted; Location and Active are read-only.
func (c *Client) Set(iface, property string, value dbus.Variant) *dbus.Error {
	if iface != dbustypes.ClientInterface {
		return dbustypes.ErrUnknownInterface(iface)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch property {
	case "DistanceThreshold":
		v, ok := value.Value().(uint32)
		if !ok {
			return dbustypes.ErrFailed("DistanceThreshold must be uint32")
		}
		c.distanceThreshold = v
		return nil
	case "TimeThreshold":
		v, ok := value.Value().(uint32)
		if !ok {
			return dbustypes.ErrFailed("TimeThreshold must be uint32")
		}
		c.timeThreshold = v
		return nil
	case "DesktopId":
		v, ok := value.Value().(string)
		if !ok {
			return dbustypes.ErrFailed("DesktopId must be a string")
		}
		c.desktopID = v
		return nil
	case "RequestedAccuracyLevel":
		v, ok := value.Value().(uint32)
		if !ok {
			return dbustypes.ErrFailed("RequestedAccuracyLevel must be uint32")
		}
		c.requestedAccuracyLevel = v
		return nil
	case "Location", "Active":
		return dbustypes.ErrPropertyReadOnly(property)
	default:
		return dbustypes.ErrUnknownProperty(property)
	}
}
