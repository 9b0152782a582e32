// Package v1backend drives the legacy (GeoClue1-style) positioning service
// on the session bus: the Master -> MasterClient -> Provider handshake,
// reference counting of the selected provider, and velocity-into-position
// merging.
package v1backend

import (
	"log/slog"
	"math"
	"strconv"
	"sync"

	"github.com/godbus/dbus/v5"

	dbustypes "github.com/nikicat/geoclue2to1/internal/dbus"
)

// Position is a normalized v1 position record: the shape the Manager
// consumes, independent of anything godbus- or GeoClue1-specific.
type Position struct {
	Latitude, Longitude, Altitude float64
	Accuracy                      float64
	Speed, Heading, Climb         float64
	Timestamp                     string
}

// Velocity is a normalized v1 velocity record, delivered purely for
// observation; it never reaches a v2 client directly.
type Velocity struct {
	Speed, Direction, Climb float64
	Timestamp               string
}

// PositionCallback receives every position record the backend produces.
type PositionCallback func(Position)

// VelocityCallback receives every velocity record the backend produces.
type VelocityCallback func(Velocity)

type velocityCache struct {
	speed, direction, climb float64
	fresh                   int
}

// sigSub is a single AddMatchSignal subscription plus the goroutine
// consuming it; unsubscribe stops the goroutine, removes the channel from
// delivery, and retires the match rule on the bus daemon itself.
type sigSub struct {
	opts []dbus.MatchOption
	ch   chan *dbus.Signal
	stop chan struct{}
}

// Backend owns the session-bus connection and the v1 proxy chain. A zero
// Backend is never valid; use New.
type Backend struct {
	mu sync.Mutex

	conn *dbus.Conn // nil once the session bus is unreachable; backend goes inert

	tracking bool

	masterObj dbus.BusObject

	masterClientPath dbus.ObjectPath
	masterClientObj  dbus.BusObject

	providerService string
	providerPath    dbus.ObjectPath
	providerObj     dbus.BusObject
	positionObj     dbus.BusObject

	providerChangedSub *sigSub
	positionSub        *sigSub
	velocitySub        *sigSub

	velocity velocityCache

	positionCallback PositionCallback
	velocityCallback VelocityCallback
}

// New connects to the session bus and returns a Backend ready to track.
// A connection failure is logged and the Backend is returned in inert
// mode: Start becomes a no-op and no position events are ever produced.
func New() *Backend {
	return newWithConn(func() (*dbus.Conn, error) { return dbus.ConnectSessionBus() })
}

// NewWithAddress connects to the bus at the given address instead of the
// process's session bus; used by tests driving a private dbus-daemon.
func NewWithAddress(address string) *Backend {
	return newWithConn(func() (*dbus.Conn, error) { return dbus.Connect(address) })
}

func newWithConn(connect func() (*dbus.Conn, error)) *Backend {
	b := &Backend{velocity: velocityCache{speed: -1, direction: -1, climb: -1}}
	conn, err := connect()
	if err != nil {
		slog.Warn("v1 backend: session bus unreachable, tracking disabled", "error", err)
		return b
	}
	b.conn = conn
	return b
}

// SetPositionCallback registers the sink for normalized position records.
func (b *Backend) SetPositionCallback(cb PositionCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positionCallback = cb
}

// SetVelocityCallback registers the sink for normalized velocity records.
func (b *Backend) SetVelocityCallback(cb VelocityCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.velocityCallback = cb
}

// Start begins tracking. Idempotent: a second call while already tracking
// returns immediately.
func (b *Backend) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tracking {
		slog.Debug("v1 backend: already tracking")
		return
	}
	if b.conn == nil {
		slog.Debug("v1 backend: inert, start is a no-op")
		return
	}

	if !b.ensureMasterClientLocked() {
		slog.Warn("v1 backend: failed to start tracking")
		b.destroyMasterClientLocked()
		return
	}

	b.tracking = true
	slog.Info("v1 backend: tracking started")
}

// Stop ends tracking and tears down every proxy. Runs even when tracking
// is already false, to mop up anything left over from a partial Start.
func (b *Backend) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tracking {
		slog.Info("v1 backend: tracking stopped")
	} else {
		slog.Debug("v1 backend: not tracking, tearing down any lingering proxies")
	}

	b.unsubscribePositionVelocityLocked()
	b.tracking = false
	b.destroyMasterClientLocked()
}

// Close releases the session-bus connection. Call once, at process
// shutdown, after a final Stop.
func (b *Backend) Close() {
	b.Stop()
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (b *Backend) ensureMasterClientLocked() bool {
	if b.masterObj != nil && b.masterClientObj != nil {
		return true
	}

	b.masterObj = b.conn.Object(dbustypes.V1MasterService, dbustypes.V1MasterPath)

	var clientPath dbus.ObjectPath
	if call := b.masterObj.Call(dbustypes.V1MasterInterface+".Create", 0); call.Err != nil {
		slog.Warn("v1 backend: Master.Create failed", "error", call.Err)
		return false
	} else if err := call.Store(&clientPath); err != nil {
		slog.Warn("v1 backend: Master.Create returned unexpected reply", "error", err)
		return false
	}
	b.masterClientPath = clientPath

	sub, err := b.subscribeLocked([]dbus.MatchOption{
		dbus.WithMatchInterface(dbustypes.V1MasterClientInterface),
		dbus.WithMatchMember("PositionProviderChanged"),
		dbus.WithMatchObjectPath(clientPath),
	}, b.handleProviderChangedSignal)
	if err != nil {
		slog.Warn("v1 backend: failed to subscribe to PositionProviderChanged", "error", err)
		return false
	}
	b.providerChangedSub = sub

	b.masterClientObj = b.conn.Object(dbustypes.V1MasterService, clientPath)

	// The MasterClient implements the base Geoclue interface too; a
	// short-lived proxy against the same path calls AddReference on it.
	clientAsGeoclue := b.conn.Object(dbustypes.V1MasterService, clientPath)
	if call := clientAsGeoclue.Call(dbustypes.V1GeoclueInterface+".AddReference", 0); call.Err != nil {
		slog.Warn("v1 backend: AddReference on MasterClient failed", "error", call.Err)
	}

	const accuracyLevel, timeLimit int32 = 0, 0
	const allowedResources int32 = (1 << 10) - 1
	if call := b.masterClientObj.Call(dbustypes.V1MasterClientInterface+".SetRequirements", 0,
		accuracyLevel, timeLimit, true, allowedResources); call.Err != nil {
		slog.Warn("v1 backend: SetRequirements failed", "error", call.Err)
		return false
	}

	if call := b.masterClientObj.Call(dbustypes.V1MasterClientInterface+".PositionStart", 0); call.Err != nil {
		slog.Warn("v1 backend: PositionStart failed", "error", call.Err)
		return false
	}

	return true
}

func (b *Backend) destroyMasterClientLocked() {
	b.positionObj = nil

	if b.providerObj != nil {
		if call := b.providerObj.Call(dbustypes.V1GeoclueInterface+".RemoveReference", 0); call.Err != nil {
			slog.Warn("v1 backend: RemoveReference on provider failed", "error", call.Err)
		}
		b.providerObj = nil
	}

	if b.masterClientObj != nil && b.conn != nil {
		clientAsGeoclue := b.conn.Object(dbustypes.V1MasterService, b.masterClientPath)
		if call := clientAsGeoclue.Call(dbustypes.V1GeoclueInterface+".RemoveReference", 0); call.Err != nil {
			slog.Warn("v1 backend: RemoveReference on MasterClient failed", "error", call.Err)
		}
		b.masterClientObj = nil
	}

	if b.providerChangedSub != nil {
		b.unsubscribeLocked(b.providerChangedSub)
		b.providerChangedSub = nil
	}

	b.masterObj = nil
	b.masterClientPath = ""
	b.providerService = ""
	b.providerPath = ""
}

func (b *Backend) unsubscribePositionVelocityLocked() {
	if b.positionSub != nil {
		b.unsubscribeLocked(b.positionSub)
		b.positionSub = nil
	}
	if b.velocitySub != nil {
		b.unsubscribeLocked(b.velocitySub)
		b.velocitySub = nil
	}
}

func (b *Backend) subscribeLocked(opts []dbus.MatchOption, handler func(*dbus.Signal)) (*sigSub, error) {
	if err := b.conn.AddMatchSignal(opts...); err != nil {
		return nil, err
	}
	sub := &sigSub{opts: opts, ch: make(chan *dbus.Signal, 16), stop: make(chan struct{})}
	b.conn.Signal(sub.ch)
	go func() {
		for {
			select {
			case <-sub.stop:
				return
			case sig, ok := <-sub.ch:
				if !ok {
					return
				}
				handler(sig)
			}
		}
	}()
	return sub, nil
}

func (b *Backend) unsubscribeLocked(sub *sigSub) {
	close(sub.stop)
	b.conn.RemoveSignal(sub.ch)
	if err := b.conn.RemoveMatchSignal(sub.opts...); err != nil {
		slog.Warn("v1 backend: failed to remove match rule", "error", err)
	}
}

func (b *Backend) handleProviderChangedSignal(sig *dbus.Signal) {
	if len(sig.Body) != 4 {
		return
	}
	name, _ := sig.Body[0].(string)
	desc, _ := sig.Body[1].(string)
	service, _ := sig.Body[2].(string)
	path, _ := sig.Body[3].(string)
	b.onProviderChanged(name, desc, service, dbus.ObjectPath(path))
}

func (b *Backend) onProviderChanged(name, desc, service string, path dbus.ObjectPath) {
	if service == "" || path == "" {
		slog.Debug("v1 backend: empty provider in PositionProviderChanged, ignoring")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return
	}

	if b.positionObj != nil {
		b.unsubscribePositionVelocityLocked()
		b.positionObj = nil
	}
	if b.providerObj != nil {
		if call := b.providerObj.Call(dbustypes.V1GeoclueInterface+".RemoveReference", 0); call.Err != nil {
			slog.Warn("v1 backend: RemoveReference on previous provider failed", "error", call.Err)
		}
		b.providerObj = nil
	}

	b.providerService = service
	b.providerPath = path
	b.providerObj = b.conn.Object(service, path)

	if call := b.providerObj.Call(dbustypes.V1GeoclueInterface+".AddReference", 0); call.Err != nil {
		slog.Warn("v1 backend: AddReference on provider failed", "error", call.Err)
	}

	b.positionObj = b.conn.Object(service, path)

	if sub, err := b.subscribeLocked([]dbus.MatchOption{
		dbus.WithMatchInterface(dbustypes.V1PositionInterface),
		dbus.WithMatchMember("PositionChanged"),
		dbus.WithMatchSender(service),
		dbus.WithMatchObjectPath(path),
	}, b.handlePositionSignal); err != nil {
		slog.Warn("v1 backend: failed to subscribe to PositionChanged", "error", err)
	} else {
		b.positionSub = sub
	}

	if sub, err := b.subscribeLocked([]dbus.MatchOption{
		dbus.WithMatchInterface(dbustypes.V1VelocityInterface),
		dbus.WithMatchMember("VelocityChanged"),
		dbus.WithMatchSender(service),
		dbus.WithMatchObjectPath(path),
	}, b.handleVelocitySignal); err != nil {
		slog.Warn("v1 backend: failed to subscribe to VelocityChanged", "error", err)
	} else {
		b.velocitySub = sub
	}

	slog.Info("v1 backend: provider changed", "name", name, "description", desc, "service", service, "path", path)
}

func (b *Backend) handlePositionSignal(sig *dbus.Signal) {
	if len(sig.Body) != 6 {
		return
	}
	ts, _ := sig.Body[1].(int32)
	lat, _ := sig.Body[2].(float64)
	lon, _ := sig.Body[3].(float64)
	alt, _ := sig.Body[4].(float64)

	var horizAcc float64
	if tuple, ok := sig.Body[5].([]interface{}); ok && len(tuple) == 3 {
		horizAcc, _ = tuple[1].(float64)
	}

	b.handlePosition(Position{
		Latitude:  lat,
		Longitude: lon,
		Altitude:  alt,
		Accuracy:  horizAcc,
		Timestamp: strconv.FormatInt(int64(ts), 10),
	})
}

func (b *Backend) handlePosition(pos Position) {
	b.mu.Lock()
	if b.velocity.fresh > 0 {
		pos.Speed = b.velocity.speed
		pos.Heading = b.velocity.direction
		pos.Climb = b.velocity.climb
		b.velocity.fresh--
	} else {
		pos.Speed = dbustypes.UnknownMotionValue
		pos.Heading = dbustypes.UnknownMotionValue
		pos.Climb = dbustypes.UnknownMotionValue
	}
	cb := b.positionCallback
	b.mu.Unlock()

	if cb != nil {
		cb(pos)
	}
}

func (b *Backend) handleVelocitySignal(sig *dbus.Signal) {
	if len(sig.Body) != 5 {
		return
	}
	ts, _ := sig.Body[1].(int32)
	speed, _ := sig.Body[2].(float64)
	direction, _ := sig.Body[3].(float64)
	climb, _ := sig.Body[4].(float64)

	b.handleVelocity(Velocity{
		Speed:     sanitize(speed),
		Direction: sanitize(direction),
		Climb:     sanitize(climb),
		Timestamp: strconv.FormatInt(int64(ts), 10),
	})
}

func (b *Backend) handleVelocity(vel Velocity) {
	b.mu.Lock()
	b.velocity = velocityCache{speed: vel.Speed, direction: vel.Direction, climb: vel.Climb, fresh: dbustypes.VelocityFreshSteps}
	cb := b.velocityCallback
	b.mu.Unlock()

	if cb != nil {
		cb(vel)
	}
}

func sanitize(v float64) float64 {
	if math.IsNaN(v) {
		return dbustypes.UnknownMotionValue
	}
	return v
}
