package world

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pelletier/go-toml"
)

// Settings holds the mutable world metadata persisted alongside its chunks:
// the display name, the spawn position, the simulation clock and the seed the
// world was created with.
type Settings struct {
	sync.Mutex
	Name        string
	Spawn       BlockPos
	CurrentTick int64
	Seed        int64
}

// defaultSettings returns the Settings of a world that was never saved.
func defaultSettings(name string, seed int64) *Settings {
	return &Settings{Name: name, Seed: seed}
}

// settingsData is the serialised form of Settings, persisted through the
// Store settings blob as TOML.
type settingsData struct {
	Name        string
	Spawn       [3]int
	CurrentTick int64
	Seed        int64
}

// loadSettings reads the settings blob from the store passed. If the store
// holds no settings yet, the defaults passed are returned.
func loadSettings(store Store, defaults *Settings) (*Settings, error) {
	b, err := store.ReadSettings()
	if errors.Is(err, ErrNotFound) {
		return defaults, nil
	} else if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	var data settingsData
	if err := toml.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("load settings: decode: %w", err)
	}
	return &Settings{
		Name:        data.Name,
		Spawn:       BlockPos(data.Spawn),
		CurrentTick: data.CurrentTick,
		Seed:        data.Seed,
	}, nil
}

// encodeSettings serialises Settings into the blob stored through
// Store.WriteSettings. The caller must hold the Settings mutex or otherwise
// have exclusive access.
func encodeSettings(set *Settings) ([]byte, error) {
	b, err := toml.Marshal(settingsData{
		Name:        set.Name,
		Spawn:       [3]int(set.Spawn),
		CurrentTick: set.CurrentTick,
		Seed:        set.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}
	return b, nil
}
