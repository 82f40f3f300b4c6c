package app_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
	"go.uber.org/zap/zaptest"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/app"
	"olmkit/internal/logging"
	"olmkit/internal/relay"
	"olmkit/internal/services/keyrequest"
	"olmkit/internal/store"
)

func TestConfigSaveLoadAndEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("OLMKIT_KEYSERVER", "")
	t.Setenv("OLMKIT_LOG_LEVEL", "")

	cfg, err := app.LoadConfig(home)
	require.NoError(t, err)
	require.Equal(t, home, cfg.Home)
	require.Empty(t, cfg.UserID)

	cfg.UserID = "@alice:example.org"
	cfg.DeviceID = "ALICE"
	cfg.KeyServer = "http://127.0.0.1:8080"
	cfg.KeyRequestTimeout = app.Duration{Duration: 90 * time.Second}
	cfg.Rooms = map[id.RoomID]app.RoomConfig{"!r:example.org": {Members: []id.UserID{"@bob:example.org"}}}
	require.NoError(t, cfg.Save())

	loaded, err := app.LoadConfig(home)
	require.NoError(t, err)
	require.Equal(t, cfg.UserID, loaded.UserID)
	require.Equal(t, 90*time.Second, loaded.KeyRequestTimeout.Duration)
	require.Len(t, loaded.Rooms["!r:example.org"].Members, 1)

	t.Setenv("OLMKIT_KEYSERVER", "http://keys.example.org")
	t.Setenv("OLMKIT_LOG_LEVEL", "debug")
	loaded, err = app.LoadConfig(home)
	require.NoError(t, err)
	require.Equal(t, "http://keys.example.org", loaded.KeyServer)
	require.Equal(t, "debug", loaded.Log.Level)
}

func TestConfigValidate(t *testing.T) {
	cfg := app.Config{Home: t.TempDir(), UserID: "@alice:example.org", KeyServer: "http://x"}
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.UserID = ""
	require.Error(t, bad.Validate())

	bad = cfg
	bad.KeyServer = ""
	require.Error(t, bad.Validate())

	bad = cfg
	bad.KeyForwarding = "sometimes"
	require.Error(t, bad.Validate())

	bad = cfg
	negative := -2
	bad.KeyRequestRetries = &negative
	require.Error(t, bad.Validate())
}

func TestKeyRequestRetries(t *testing.T) {
	home := t.TempDir()
	t.Setenv("OLMKIT_KEYSERVER", "")
	t.Setenv("OLMKIT_LOG_LEVEL", "")

	cfg := app.Config{Home: home, UserID: "@alice:example.org", KeyServer: "http://x"}
	require.Zero(t, cfg.KeyRequests().MaxRetries, "unset keeps the service default")

	none := 0
	cfg.KeyRequestRetries = &none
	require.NoError(t, cfg.Save())
	loaded, err := app.LoadConfig(home)
	require.NoError(t, err)
	require.NotNil(t, loaded.KeyRequestRetries)
	require.Equal(t, keyrequest.NoRetries, loaded.KeyRequests().MaxRetries)

	five := 5
	loaded.KeyRequestRetries = &five
	require.Equal(t, 5, loaded.KeyRequests().MaxRetries)
}

func TestCheckPassphrase(t *testing.T) {
	cases := map[string]bool{
		"short1":                false,
		"onlylettershere":       false,
		"123456789012":          false,
		"correct horse battery": true,
		"letters4nddigits":      true,
		"ünïcödé-passphrase":    true,
	}
	for p, ok := range cases {
		err := app.CheckPassphrase(p)
		if ok {
			require.NoError(t, err, p)
		} else {
			require.ErrorIs(t, err, app.ErrWeakPassphrase, p)
		}
	}
}

func TestResolvePassphraseOrder(t *testing.T) {
	keyring.MockInit()
	const user id.UserID = "@alice:example.org"
	t.Setenv("OLMKIT_PASSPHRASE", "")

	_, err := app.ResolvePassphrase("", user, nil)
	require.ErrorIs(t, err, app.ErrNoPassphrase)

	require.NoError(t, app.StorePassphrase(user, "from keyring"))
	p, err := app.ResolvePassphrase("", user, nil)
	require.NoError(t, err)
	require.Equal(t, "from keyring", p)

	t.Setenv("OLMKIT_PASSPHRASE", "from env")
	p, err = app.ResolvePassphrase("", user, nil)
	require.NoError(t, err)
	require.Equal(t, "from env", p)

	p, err = app.ResolvePassphrase("from flag", user, nil)
	require.NoError(t, err)
	require.Equal(t, "from flag", p)

	app.ForgetPassphrase(user)
	t.Setenv("OLMKIT_PASSPHRASE", "")
	_, err = app.ResolvePassphrase("", user, nil)
	require.ErrorIs(t, err, app.ErrNoPassphrase)
}

func TestNewWireOpensAndReopens(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	srv := httptest.NewServer(relay.NewServer(relay.NewDirectory(log), log))
	defer srv.Close()

	cfg := app.Config{
		Home:      t.TempDir(),
		UserID:    "@alice:example.org",
		KeyServer: srv.URL,
		Log:       logging.Config{Level: "error"},
	}
	w, err := app.NewWire(ctx, cfg, "correct horse battery", nil)
	require.NoError(t, err)
	require.Len(t, string(w.Config.DeviceID), 10)
	require.NoError(t, w.Machine.UploadKeys(ctx))
	keys, err := w.Machine.IdentityKeys()
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = app.NewWire(ctx, w.Config, "wrong passphrase 1", nil)
	require.ErrorIs(t, err, store.ErrWrongPassphrase)

	again, err := app.NewWire(ctx, w.Config, "correct horse battery", nil)
	require.NoError(t, err)
	defer again.Close()
	reopened, err := again.Machine.IdentityKeys()
	require.NoError(t, err)
	require.Equal(t, keys, reopened)

	devices, err := again.Server.QueryDevices(ctx, []id.UserID{cfg.UserID})
	require.NoError(t, err)
	require.Contains(t, devices.DeviceKeys[cfg.UserID], w.Config.DeviceID)
}
