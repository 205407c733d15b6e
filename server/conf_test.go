package server

import (
	"log/slog"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/stratum-world/stratum/server/world/chunkdb"
	"github.com/stratum-world/stratum/server/world/sqlstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestDefaultConfigRoundTrip(t *testing.T) {
	def := DefaultConfig()
	data, err := toml.Marshal(def)
	if err != nil {
		t.Fatalf("marshal default config: %v", err)
	}
	var read UserConfig
	if err := toml.Unmarshal(data, &read); err != nil {
		t.Fatalf("unmarshal default config: %v", err)
	}
	if !reflect.DeepEqual(def, read) {
		t.Fatalf("config changed across TOML round trip:\n%#v\n%#v", def, read)
	}
}

func TestUserConfigSelectsBackend(t *testing.T) {
	for _, backend := range []string{"", "leveldb", "sqlite"} {
		uc := DefaultConfig()
		uc.World.Folder = t.TempDir()
		uc.World.Backend = backend

		conf, err := uc.Config(discardLogger())
		if err != nil {
			t.Fatalf("backend %q: %v", backend, err)
		}
		switch backend {
		case "", "leveldb":
			if _, ok := conf.Store.(*chunkdb.DB); !ok {
				t.Fatalf("backend %q: store is %T, want *chunkdb.DB", backend, conf.Store)
			}
		case "sqlite":
			if _, ok := conf.Store.(*sqlstore.Store); !ok {
				t.Fatalf("backend %q: store is %T, want *sqlstore.Store", backend, conf.Store)
			}
		}
		if err := conf.Store.Close(); err != nil {
			t.Fatalf("backend %q: close store: %v", backend, err)
		}
	}
}

func TestUserConfigRejectsUnknownBackend(t *testing.T) {
	uc := DefaultConfig()
	uc.World.Folder = t.TempDir()
	uc.World.Backend = "postgres"

	if _, err := uc.Config(discardLogger()); err == nil {
		t.Fatalf("expected an error for an unknown backend")
	}
}

func TestUserConfigWithoutSaveData(t *testing.T) {
	uc := DefaultConfig()
	uc.World.SaveData = false

	conf, err := uc.Config(discardLogger())
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if conf.Store != nil {
		t.Fatalf("store opened with SaveData disabled: %T", conf.Store)
	}
}

func TestUserConfigWhitelist(t *testing.T) {
	uc := DefaultConfig()
	uc.World.SaveData = false
	uc.Observers.Whitelist = true
	uc.Observers.WhitelistFile = filepath.Join(t.TempDir(), "whitelist.toml")

	conf, err := uc.Config(discardLogger())
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	wl, ok := conf.Allower.(*Whitelist)
	if !ok {
		t.Fatalf("allower is %T, want *Whitelist", conf.Allower)
	}
	if !wl.Enabled() {
		t.Fatalf("whitelist loaded through the config is not enforced")
	}
}

func TestUserConfigTickRate(t *testing.T) {
	uc := DefaultConfig()
	uc.World.SaveData = false
	uc.World.TickRate = 40

	conf, err := uc.Config(discardLogger())
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if conf.TickInterval != time.Millisecond*25 {
		t.Fatalf("tick interval %v, want 25ms", conf.TickInterval)
	}
}
