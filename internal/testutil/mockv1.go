// Package testutil provides shared test infrastructure: a private
// dbus-daemon spin-up helper and a mock GeoClue1 service good enough
// to drive the v1 backend through a provider swap and a position fix.
package testutil

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	dbustypes "github.com/nikicat/geoclue2to1/internal/dbus"
)

// MockV1Service is a minimal GeoClue1 Master/MasterClient/Position/Velocity
// implementation for testing the v1 backend without a real geoclue daemon.
type MockV1Service struct {
	conn *dbus.Conn

	mu         sync.Mutex
	clientCtr  int
	clientPath dbus.ObjectPath
	client     *mockMasterClient
	providers  map[string]*mockProvider
}

// NewMockV1Service creates a mock GeoClue1 master service.
func NewMockV1Service() *MockV1Service {
	return &MockV1Service{}
}

// Register exports the Master object and takes ownership of
// org.freedesktop.Geoclue.Master on conn.
func (s *MockV1Service) Register(conn *dbus.Conn) error {
	s.conn = conn

	if err := conn.Export(s, dbustypes.V1MasterPath, dbustypes.V1MasterInterface); err != nil {
		return fmt.Errorf("export Master: %w", err)
	}

	reply, err := conn.RequestName(dbustypes.V1MasterService, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("not primary owner of %s (reply=%d)", dbustypes.V1MasterService, reply)
	}
	return nil
}

// Create implements Master.Create, handing out a fresh MasterClient path
// and exporting a master client object there.
func (s *MockV1Service) Create() (dbus.ObjectPath, *dbus.Error) {
	s.mu.Lock()
	s.clientCtr++
	path := dbus.ObjectPath(fmt.Sprintf("/org/freedesktop/Geoclue/Master/Client%d", s.clientCtr))
	s.clientPath = path
	s.mu.Unlock()

	mc := &mockMasterClient{service: s, path: path}
	if err := s.conn.Export(mc, path, dbustypes.V1MasterClientInterface); err != nil {
		return "", dbustypes.ErrFailed(err.Error())
	}
	if err := s.conn.Export(mc, path, dbustypes.V1GeoclueInterface); err != nil {
		return "", dbustypes.ErrFailed(err.Error())
	}
	s.mu.Lock()
	s.client = mc
	s.mu.Unlock()
	return path, nil
}

// MasterClientRefCounts reports how many times AddReference and
// RemoveReference have been called on the most recently created
// MasterClient.
func (s *MockV1Service) MasterClientRefCounts() (add, remove int) {
	s.mu.Lock()
	mc := s.client
	s.mu.Unlock()
	if mc == nil {
		return 0, 0
	}
	return mc.refCounts()
}

// ProviderRefCounts reports how many times AddReference and
// RemoveReference have been called on the provider exported at path by a
// prior EmitProviderChanged.
func (s *MockV1Service) ProviderRefCounts(path string) (add, remove int) {
	s.mu.Lock()
	p := s.providers[path]
	s.mu.Unlock()
	if p == nil {
		return 0, 0
	}
	return p.refCounts()
}

// EmitProviderChanged fires PositionProviderChanged on the most recently
// created MasterClient, simulating the master selecting a provider, and
// exports the provider + position objects named by the signal.
func (s *MockV1Service) EmitProviderChanged(service, path string) error {
	s.mu.Lock()
	clientPath := s.clientPath
	s.mu.Unlock()

	if service != "" && path != "" {
		provider := &mockProvider{service: s}
		if err := s.conn.Export(provider, dbus.ObjectPath(path), dbustypes.V1GeoclueInterface); err != nil {
			return err
		}
		if err := s.conn.Export(provider, dbus.ObjectPath(path), dbustypes.V1PositionInterface); err != nil {
			return err
		}
		if err := s.conn.Export(provider, dbus.ObjectPath(path), dbustypes.V1VelocityInterface); err != nil {
			return err
		}
		s.mu.Lock()
		if s.providers == nil {
			s.providers = make(map[string]*mockProvider)
		}
		s.providers[path] = provider
		s.mu.Unlock()
	}

	return s.conn.Emit(clientPath, dbustypes.V1MasterClientInterface+".PositionProviderChanged", "GPS", "", service, path)
}

type accuracyTuple struct {
	Level      int32
	Horizontal float64
	Vertical   float64
}

// EmitPositionChanged fires Position.PositionChanged on the given provider path.
func (s *MockV1Service) EmitPositionChanged(path string, fields int32, timestamp int32, lat, lon, alt, horizAcc float64) error {
	return s.conn.Emit(dbus.ObjectPath(path), dbustypes.V1PositionInterface+".PositionChanged",
		fields, timestamp, lat, lon, alt, accuracyTuple{Level: 1, Horizontal: horizAcc, Vertical: 0})
}

// EmitVelocityChanged fires Velocity.VelocityChanged on the given provider path.
func (s *MockV1Service) EmitVelocityChanged(path string, fields int32, timestamp int32, speed, direction, climb float64) error {
	return s.conn.Emit(dbus.ObjectPath(path), dbustypes.V1VelocityInterface+".VelocityChanged",
		fields, timestamp, speed, direction, climb)
}

type mockMasterClient struct {
	service *MockV1Service
	path    dbus.ObjectPath

	mu             sync.Mutex
	addRefCount    int
	removeRefCount int
}

func (c *mockMasterClient) SetRequirements(accuracy int32, time int32, requireUpdates bool, allowedResources int32) *dbus.Error {
	return nil
}

func (c *mockMasterClient) PositionStart() (int32, *dbus.Error) {
	return 0, nil
}

func (c *mockMasterClient) AddReference() *dbus.Error {
	c.mu.Lock()
	c.addRefCount++
	c.mu.Unlock()
	return nil
}

func (c *mockMasterClient) RemoveReference() *dbus.Error {
	c.mu.Lock()
	c.removeRefCount++
	c.mu.Unlock()
	return nil
}

func (c *mockMasterClient) refCounts() (add, remove int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addRefCount, c.removeRefCount
}

type mockProvider struct {
	service *MockV1Service

	mu             sync.Mutex
	addRefCount    int
	removeRefCount int
}

func (p *mockProvider) AddReference() *dbus.Error {
	p.mu.Lock()
	p.addRefCount++
	p.mu.Unlock()
	return nil
}

func (p *mockProvider) RemoveReference() *dbus.Error {
	p.mu.Lock()
	p.removeRefCount++
	p.mu.Unlock()
	return nil
}

func (p *mockProvider) refCounts() (add, remove int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addRefCount, p.removeRefCount
}
