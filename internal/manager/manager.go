// Package manager implements the v2 Manager singleton: the peer/path
// client registry, peer-liveness watching, active-client accounting, the
// V1 Backend grace timer, and Location minting/eviction.
package manager

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/nikicat/geoclue2to1/internal/client"
	dbustypes "github.com/nikicat/geoclue2to1/internal/dbus"
	"github.com/nikicat/geoclue2to1/internal/location"
	"github.com/nikicat/geoclue2to1/internal/v1backend"
)

// Backend is the subset of v1backend.Backend the Manager drives; an
// interface so tests can substitute a recorder.
type Backend interface {
	Start()
	Stop()
	SetPositionCallback(v1backend.PositionCallback)
}

// Manager is the well-known-path singleton exported on the system bus.
type Manager struct {
	mu sync.Mutex

	conn    *dbus.Conn
	backend Backend

	clientsByPeer map[string]*client.Client
	clientsByPath map[dbus.ObjectPath]*client.Client

	locations []*location.Location

	nextClientID   uint64
	nextLocationID uint64

	activeCount int
	inUse       bool

	graceTimeout time.Duration
	graceTimer   *time.Timer

	nameOwnerCh chan *dbus.Signal
	watchDone   chan struct{}
}

// New exports the Manager at its well-known path on conn, subscribes to
// peer-liveness notifications, and wires itself as the backend's
// position sink. Callers still need to RequestName separately; the
// Manager object must be registered before the name is acquired.
func New(conn *dbus.Conn, backend Backend, graceTimeout time.Duration) (*Manager, error) {
	m := &Manager{
		conn:          conn,
		backend:       backend,
		clientsByPeer: make(map[string]*client.Client),
		clientsByPath: make(map[dbus.ObjectPath]*client.Client),
		graceTimeout:  graceTimeout,
		watchDone:     make(chan struct{}),
	}

	if err := conn.Export(m, dbustypes.ManagerPath, dbustypes.ManagerInterface); err != nil {
		return nil, fmt.Errorf("export manager interface: %w", err)
	}
	if err := conn.Export(m, dbustypes.ManagerPath, dbustypes.PropertiesInterface); err != nil {
		return nil, fmt.Errorf("export manager properties: %w", err)
	}
	node := &introspect.Node{
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			dbustypes.PropertiesIntrospectData,
			{Name: dbustypes.ManagerInterface, Methods: dbustypes.DomainMethods(m)},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), dbustypes.ManagerPath, dbustypes.IntrospectableInterface); err != nil {
		return nil, fmt.Errorf("export manager introspectable: %w", err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchSender("org.freedesktop.DBus"),
	); err != nil {
		return nil, fmt.Errorf("subscribe to NameOwnerChanged: %w", err)
	}
	ch := make(chan *dbus.Signal, 16)
	conn.Signal(ch)
	m.nameOwnerCh = ch
	go m.watchPeers(ch)

	backend.SetPositionCallback(m.handlePositionUpdate)

	return m, nil
}

// Close tears down every client, unexports the Manager, and stops
// watching peer liveness. Does not stop the V1 Backend itself; callers
// stop that separately (see the daemon's shutdown ordering). Tearing down
// a client that is still active counts as its deactivation, so the last
// one arms the grace timer, which calls the backend's Stop when it fires.
func (m *Manager) Close() {
	m.mu.Lock()
	paths := make([]dbus.ObjectPath, 0, len(m.clientsByPath))
	for p := range m.clientsByPath {
		paths = append(paths, p)
	}
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
	m.mu.Unlock()

	for _, p := range paths {
		m.removeClient(p)
	}

	close(m.watchDone)
	m.conn.RemoveSignal(m.nameOwnerCh)

	m.conn.Export(nil, dbustypes.ManagerPath, dbustypes.ManagerInterface)
	m.conn.Export(nil, dbustypes.ManagerPath, dbustypes.PropertiesInterface)
	m.conn.Export(nil, dbustypes.ManagerPath, dbustypes.IntrospectableInterface)
}

// InUse reports whether any client is currently active.
func (m *Manager) InUse() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inUse
}

// ActiveCount reports the number of currently active clients.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeCount
}

func senderOf(msg dbus.Message) (string, bool) {
	v, ok := msg.Headers[dbus.FieldSender]
	if !ok {
		return "", false
	}
	s, ok := v.Value().(string)
	return s, ok
}

// GetClient implements Manager.GetClient: reuses an existing client for
// the caller's peer if one is on record.
func (m *Manager) GetClient(msg dbus.Message) (dbus.ObjectPath, *dbus.Error) {
	peer, ok := senderOf(msg)
	if !ok {
		return dbustypes.NoLocation, dbustypes.ErrFailed("missing sender")
	}
	c, err := m.clientForPeer(peer, true)
	if err != nil {
		return dbustypes.NoLocation, dbustypes.ErrFailed(err.Error())
	}
	return c.Path(), nil
}

// CreateClient implements Manager.CreateClient: always mints a new
// client, even if the caller already has one.
func (m *Manager) CreateClient(msg dbus.Message) (dbus.ObjectPath, *dbus.Error) {
	peer, ok := senderOf(msg)
	if !ok {
		return dbustypes.NoLocation, dbustypes.ErrFailed("missing sender")
	}
	c, err := m.clientForPeer(peer, false)
	if err != nil {
		return dbustypes.NoLocation, dbustypes.ErrFailed(err.Error())
	}
	return c.Path(), nil
}

// clientForPeer holds m.mu across the whole check-construct-insert
// sequence. Without that, two concurrent GetClient calls from the same
// peer (godbus dispatches each incoming method call on its own
// goroutine) could both miss the cache, each mint and export a distinct
// Client, and have the second map write silently orphan the first.
func (m *Manager) clientForPeer(peer string, reuse bool) (*client.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reuse {
		if c, ok := m.clientsByPeer[peer]; ok {
			return c, nil
		}
	}
	m.nextClientID++
	id := m.nextClientID

	path := dbus.ObjectPath(fmt.Sprintf("%s%d", dbustypes.ClientPathPrefix, id))
	c, err := client.New(m.conn, path, peer, m)
	if err != nil {
		return nil, err
	}

	m.clientsByPeer[peer] = c
	m.clientsByPath[path] = c

	slog.Info("manager: client created", "path", path, "peer", peer, "reused", false)
	return c, nil
}

// DeleteClient implements Manager.DeleteClient.
func (m *Manager) DeleteClient(path dbus.ObjectPath) *dbus.Error {
	if !m.removeClient(path) {
		slog.Warn("manager: DeleteClient on unknown path", "path", path)
	}
	return nil
}

// AddAgent implements Manager.AddAgent: accepted, never enforced.
func (m *Manager) AddAgent(id string) *dbus.Error {
	return nil
}

func (m *Manager) removeClient(path dbus.ObjectPath) bool {
	m.mu.Lock()
	c, ok := m.clientsByPath[path]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.clientsByPath, path)
	if m.clientsByPeer[c.Peer()] == c {
		delete(m.clientsByPeer, c.Peer())
	}
	m.mu.Unlock()

	c.Close()
	slog.Info("manager: client removed", "path", path, "peer", c.Peer())
	return true
}

func (m *Manager) watchPeers(ch chan *dbus.Signal) {
	for {
		select {
		case <-m.watchDone:
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) != 3 {
				continue
			}
			name, _ := sig.Body[0].(string)
			newOwner, _ := sig.Body[2].(string)
			if name == "" || newOwner != "" {
				continue
			}
			m.peerVanished(name)
		}
	}
}

func (m *Manager) peerVanished(peer string) {
	m.mu.Lock()
	var paths []dbus.ObjectPath
	for p, c := range m.clientsByPath {
		if c.Peer() == peer {
			paths = append(paths, p)
		}
	}
	m.mu.Unlock()

	if len(paths) > 0 {
		slog.Info("manager: peer vanished", "peer", peer, "clients", len(paths))
	}
	for _, p := range paths {
		m.removeClient(p)
	}
}

// OnActiveChanged implements client.LifecycleObserver: it is the single
// place active-client accounting, InUse, and the grace timer are driven.
func (m *Manager) OnActiveChanged(c *client.Client, active bool) {
	if active {
		m.onClientActivated()
		return
	}
	m.onClientDeactivated()
}

func (m *Manager) onClientActivated() {
	m.mu.Lock()
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
	m.activeCount++
	count := m.activeCount
	m.inUse = count > 0
	m.mu.Unlock()

	if count == 1 {
		m.backend.Start()
	}
}

func (m *Manager) onClientDeactivated() {
	m.mu.Lock()
	if m.activeCount == 0 {
		m.mu.Unlock()
		slog.Warn("manager: active-client count underflow")
		return
	}
	m.activeCount--
	count := m.activeCount
	m.inUse = count > 0
	if count == 0 {
		m.graceTimer = time.AfterFunc(m.graceTimeout, m.onGraceTimeout)
	}
	m.mu.Unlock()
}

func (m *Manager) onGraceTimeout() {
	m.mu.Lock()
	m.graceTimer = nil
	count := m.activeCount
	m.mu.Unlock()

	if count == 0 {
		slog.Info("manager: grace period elapsed, stopping v1 backend")
		m.backend.Stop()
	}
}

func (m *Manager) handlePositionUpdate(pos v1backend.Position) {
	m.mu.Lock()
	m.nextLocationID++
	id := m.nextLocationID
	m.mu.Unlock()

	path := dbus.ObjectPath(fmt.Sprintf("%s%d", dbustypes.LocationPathPrefix, id))
	loc := location.New(path)
	if err := loc.Export(m.conn, pos); err != nil {
		slog.Warn("manager: failed to export location", "path", path, "error", err)
		return
	}

	m.mu.Lock()
	m.locations = append(m.locations, loc)
	var evicted []*location.Location
	for len(m.locations) > dbustypes.MaxStoredLocations {
		evicted = append(evicted, m.locations[0])
		m.locations = m.locations[1:]
	}
	clients := make([]*client.Client, 0, len(m.clientsByPath))
	for _, c := range m.clientsByPath {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	for _, c := range clients {
		if c.Active() {
			c.NotifyLocationUpdate(path)
		}
	}

	for _, old := range evicted {
		old.Unexport()
	}
}

// Get implements org.freedesktop.DBus.Properties.Get.
func (m *Manager) Get(iface, property string) (dbus.Variant, *dbus.Error) {
	if iface != dbustypes.ManagerInterface {
		return dbus.Variant{}, dbustypes.ErrUnknownInterface(iface)
	}
	switch property {
	case "InUse":
		return dbus.MakeVariant(m.InUse()), nil
	case "AvailableAccuracyLevel":
		return dbus.MakeVariant(dbustypes.AvailableAccuracyLevel), nil
	default:
		return dbus.Variant{}, dbustypes.ErrUnknownProperty(property)
	}
}

// GetAll implements org.freedesktop.DBus.Properties.GetAll.
func (m *Manager) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != dbustypes.ManagerInterface {
		return nil, dbustypes.ErrUnknownInterface(iface)
	}
	return map[string]dbus.Variant{
		"InUse":                  dbus.MakeVariant(m.InUse()),
		"AvailableAccuracyLevel": dbus.MakeVariant(dbustypes.AvailableAccuracyLevel),
	}, nil
}

// Set implements org.freedesktop.DBus.Properties.Set. Every Manager
// property is read-only.
func (m *Manager) Set(iface, property string, value dbus.Variant) *dbus.Error {
	if iface != dbustypes.ManagerInterface {
		return dbustypes.ErrUnknownInterface(iface)
	}
	return dbustypes.ErrPropertyReadOnly(property)
}
