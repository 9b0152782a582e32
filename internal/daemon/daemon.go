// Package daemon wires the v1 backend and the v2 Manager together,
// acquires the well-known bus name, and runs until its context is
// cancelled.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"

	dbustypes "github.com/nikicat/geoclue2to1/internal/dbus"
	"github.com/nikicat/geoclue2to1/internal/manager"
	"github.com/nikicat/geoclue2to1/internal/v1backend"
)

// Config holds daemon startup parameters.
type Config struct {
	// BusAddress is the D-Bus address the v2 Manager is exported on.
	// Empty means the system bus (production). Non-empty connects to a
	// custom address — used by integration tests against a private
	// dbus-daemon.
	BusAddress string

	// V1BusAddress is the D-Bus address the v1 backend connects to.
	// Empty means the session bus (production). Non-empty points the
	// backend at the same private dbus-daemon a test registers a mock
	// v1 service on.
	V1BusAddress string

	GraceTimeout time.Duration
}

// Run connects to both buses, registers the Manager, requests the v2
// well-known name, notifies systemd, and blocks until ctx is cancelled.
// Returns nil on clean shutdown.
func Run(ctx context.Context, cfg Config) error {
	var conn *dbus.Conn
	var err error
	if cfg.BusAddress == "" {
		conn, err = dbus.ConnectSystemBus()
	} else {
		conn, err = dbus.Connect(cfg.BusAddress)
	}
	if err != nil {
		return fmt.Errorf("connect to system bus: %w", err)
	}
	defer conn.Close()

	var backend *v1backend.Backend
	if cfg.V1BusAddress == "" {
		backend = v1backend.New()
	} else {
		backend = v1backend.NewWithAddress(cfg.V1BusAddress)
	}

	graceTimeout := cfg.GraceTimeout
	if graceTimeout <= 0 {
		graceTimeout = time.Duration(dbustypes.DefaultGraceTimeoutMS) * time.Millisecond
	}

	mgr, err := manager.New(conn, backend, graceTimeout)
	if err != nil {
		backend.Close()
		return fmt.Errorf("register manager: %w", err)
	}

	reply, err := conn.RequestName(dbustypes.BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		mgr.Close()
		backend.Close()
		return fmt.Errorf("request bus name %q: %w", dbustypes.BusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		mgr.Close()
		backend.Close()
		return fmt.Errorf("not primary owner of %q (reply=%d); name already taken", dbustypes.BusName, reply)
	}

	slog.Info("daemon ready", "bus_name", dbustypes.BusName)
	SdNotify("READY=1")

	<-ctx.Done()

	slog.Info("daemon shutting down")
	backend.Stop()
	mgr.Close()
	backend.Close()
	return nil
}
