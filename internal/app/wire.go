package app

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/logging"
	"olmkit/internal/machine"
	"olmkit/internal/relay"
	"olmkit/internal/services/session"
	"olmkit/internal/store"
)

// Wire bundles the machine and the clients behind it for the CLI.
type Wire struct {
	Config  Config
	Machine *machine.Machine
	Server  *relay.Client
	Log     *zap.Logger
}

// NewDeviceID returns a fresh random device id.
func NewDeviceID() id.DeviceID {
	return id.DeviceID(strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10]))
}

// NewWire constructs the dependency graph from cfg. The store is opened with
// passphrase; a missing device id is generated and written back to cfg.
func NewWire(ctx context.Context, cfg Config, passphrase string, reg prometheus.Registerer) (*Wire, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	rc := relay.NewClient(cfg.KeyServer)
	if cfg.HTTP != nil {
		rc.HTTP = cfg.HTTP
	}

	st, err := store.OpenBadger(cfg.Store(), passphrase, log)
	if err != nil {
		return nil, err
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = NewDeviceID()
	}
	m, err := machine.New(ctx, machine.Options{
		UserID:      cfg.UserID,
		DeviceID:    cfg.DeviceID,
		Store:       st,
		Server:      rc,
		Rooms:       configRooms(cfg.Rooms),
		Registerer:  reg,
		Log:         log,
		Session:     session.Config{ClaimBackoff: cfg.ClaimBackoff.Duration},
		KeyRequests: cfg.KeyRequests(),
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	cfg.DeviceID = m.DeviceID()
	return &Wire{Config: cfg, Machine: m, Server: rc, Log: log}, nil
}

// Close releases the store and flushes the logger.
func (w *Wire) Close() error {
	err := w.Machine.Close()
	_ = w.Log.Sync()
	return err
}
