package manager

import (
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	dbustypes "github.com/nikicat/geoclue2to1/internal/dbus"
	"github.com/nikicat/geoclue2to1/internal/testutil"
	"github.com/nikicat/geoclue2to1/internal/v1backend"
)

// TestEndToEndProviderSwapAndPositionDelivery drives the full chain a real
// deployment exercises: a v2 peer creates a client and activates it, which
// starts the v1 backend against a mock Master; the mock selects a
// provider and emits a velocity followed by a position, and the resulting
// Location is expected to reach the peer over LocationUpdated carrying the
// merged motion fields. The mock then swaps in a second, distinct
// provider, which must release the first provider's reference, acquire
// one on the second, and resubscribe PositionChanged/VelocityChanged
// against the new provider's path before a position from it is
// delivered. Deactivating the client and letting the grace period elapse
// is expected to stop the backend without error.
func TestEndToEndProviderSwapAndPositionDelivery(t *testing.T) {
	bus := testutil.StartBus(t)
	defer bus.Stop()

	mockConn, err := dbus.Connect(bus.Addr())
	if err != nil {
		t.Fatalf("connect mock: %v", err)
	}
	defer mockConn.Close()

	mock := testutil.NewMockV1Service()
	if err := mock.Register(mockConn); err != nil {
		t.Fatalf("register mock v1 service: %v", err)
	}
	providerPath := "/org/freedesktop/Geoclue/Providers/Mock"
	providerService := mockConn.Names()[0]

	managerConn, err := dbus.Connect(bus.Addr())
	if err != nil {
		t.Fatalf("connect manager: %v", err)
	}
	defer managerConn.Close()

	backend := v1backend.NewWithAddress(bus.Addr())
	defer backend.Close()

	mgr, err := New(managerConn, backend, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}
	defer mgr.Close()

	peerConn, err := dbus.Connect(bus.Addr())
	if err != nil {
		t.Fatalf("connect peer: %v", err)
	}
	defer peerConn.Close()

	managerName := managerConn.Names()[0]
	managerObj := peerConn.Object(managerName, dbustypes.ManagerPath)

	var clientPath dbus.ObjectPath
	if err := managerObj.Call(dbustypes.ManagerInterface+".CreateClient", 0).Store(&clientPath); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	clientObj := peerConn.Object(managerName, clientPath)

	if err := peerConn.AddMatchSignal(
		dbus.WithMatchInterface(dbustypes.ClientInterface),
		dbus.WithMatchMember("LocationUpdated"),
		dbus.WithMatchObjectPath(clientPath),
	); err != nil {
		t.Fatalf("AddMatchSignal: %v", err)
	}
	sigCh := make(chan *dbus.Signal, 4)
	peerConn.Signal(sigCh)

	if call := clientObj.Call(dbustypes.ClientInterface+".Start", 0); call.Err != nil {
		t.Fatalf("Client.Start: %v", call.Err)
	}
	if mgr.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1", mgr.ActiveCount())
	}

	if err := mock.EmitProviderChanged(providerService, providerPath); err != nil {
		t.Fatalf("EmitProviderChanged: %v", err)
	}
	time.Sleep(200 * time.Millisecond) // let the backend's signal goroutine subscribe

	if err := mock.EmitVelocityChanged(providerPath, 7, 1700000000, 3.5, 90.0, 0.0); err != nil {
		t.Fatalf("EmitVelocityChanged: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := mock.EmitPositionChanged(providerPath, 7, 1700000001, 51.5, -0.1, 35.0, 12.0); err != nil {
		t.Fatalf("EmitPositionChanged: %v", err)
	}

	var sig *dbus.Signal
	select {
	case sig = <-sigCh:
	case <-time.After(5 * time.Second):
		t.Fatal("did not receive LocationUpdated within 5s")
	}
	if len(sig.Body) != 2 {
		t.Fatalf("LocationUpdated body = %v, want 2 elements", sig.Body)
	}
	newLoc, ok := sig.Body[1].(dbus.ObjectPath)
	if !ok || newLoc == "" {
		t.Fatalf("LocationUpdated new location = %v", sig.Body[1])
	}

	locObj := peerConn.Object(managerName, newLoc)
	var lat float64
	if err := locObj.Call("org.freedesktop.DBus.Properties.Get", 0,
		dbustypes.LocationInterface, "Latitude").Store(&lat); err != nil {
		t.Fatalf("Get Latitude: %v", err)
	}
	if lat != 51.5 {
		t.Errorf("Latitude = %v, want 51.5", lat)
	}

	var speed float64
	if err := locObj.Call("org.freedesktop.DBus.Properties.Get", 0,
		dbustypes.LocationInterface, "Speed").Store(&speed); err != nil {
		t.Fatalf("Get Speed: %v", err)
	}
	if speed != 3.5 {
		t.Errorf("Speed = %v, want 3.5 (merged from the velocity that preceded the position)", speed)
	}

	if add, remove := mock.MasterClientRefCounts(); add != 1 || remove != 0 {
		t.Errorf("MasterClient ref counts = (add=%d, remove=%d), want (1, 0)", add, remove)
	}
	if add, remove := mock.ProviderRefCounts(providerPath); add != 1 || remove != 0 {
		t.Errorf("first provider ref counts = (add=%d, remove=%d), want (1, 0)", add, remove)
	}

	// Swap in a second, distinct provider. The backend must drop its
	// reference on the first provider, take one on the second, and
	// resubscribe against the second provider's path.
	secondProviderPath := "/org/freedesktop/Geoclue/Providers/MockGPS2"
	if err := mock.EmitProviderChanged(providerService, secondProviderPath); err != nil {
		t.Fatalf("EmitProviderChanged (swap): %v", err)
	}
	time.Sleep(200 * time.Millisecond) // let the backend drop the old provider and resubscribe

	if add, remove := mock.ProviderRefCounts(providerPath); add != 1 || remove != 1 {
		t.Errorf("first provider ref counts after swap = (add=%d, remove=%d), want (1, 1)", add, remove)
	}
	if add, remove := mock.ProviderRefCounts(secondProviderPath); add != 1 || remove != 0 {
		t.Errorf("second provider ref counts after swap = (add=%d, remove=%d), want (1, 0)", add, remove)
	}
	if add, remove := mock.MasterClientRefCounts(); add != 1 || remove != 0 {
		t.Errorf("MasterClient ref counts after swap = (add=%d, remove=%d), want (1, 0)", add, remove)
	}

	if err := mock.EmitPositionChanged(secondProviderPath, 7, 1700000002, 40.7, -74.0, 10.0, 5.0); err != nil {
		t.Fatalf("EmitPositionChanged (second provider): %v", err)
	}

	var sig2 *dbus.Signal
	select {
	case sig2 = <-sigCh:
	case <-time.After(5 * time.Second):
		t.Fatal("did not receive LocationUpdated for the second provider within 5s")
	}
	newLoc2, ok := sig2.Body[1].(dbus.ObjectPath)
	if !ok || newLoc2 == "" || newLoc2 == newLoc {
		t.Fatalf("LocationUpdated new location after swap = %v, want a fresh path distinct from %v", sig2.Body[1], newLoc)
	}

	locObj2 := peerConn.Object(managerName, newLoc2)
	var lat2 float64
	if err := locObj2.Call("org.freedesktop.DBus.Properties.Get", 0,
		dbustypes.LocationInterface, "Latitude").Store(&lat2); err != nil {
		t.Fatalf("Get Latitude (second provider): %v", err)
	}
	if lat2 != 40.7 {
		t.Errorf("Latitude after swap = %v, want 40.7 (delivered via the new provider's path)", lat2)
	}

	if call := clientObj.Call(dbustypes.ClientInterface+".Stop", 0); call.Err != nil {
		t.Fatalf("Client.Stop: %v", call.Err)
	}
	if mgr.ActiveCount() != 0 {
		t.Fatalf("ActiveCount = %d, want 0 after Stop", mgr.ActiveCount())
	}

	time.Sleep(400 * time.Millisecond) // grace period elapses; backend.Stop() runs
}
