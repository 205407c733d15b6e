package server

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/stratum-world/stratum/server/world"
	"github.com/stratum-world/stratum/server/world/chunkdb"
	"github.com/stratum-world/stratum/server/world/sqlstore"
)

// Config contains options for starting a Stratum server.
type Config struct {
	// Log is the Logger to use for logging information. If nil, Log is set to
	// slog.Default(). It is passed on to the world the Server runs.
	Log *slog.Logger
	// Name is the name of the server. It is reported to observers in the
	// gateway handshake and used as the display name of newly created worlds.
	Name string
	// Address is the address the observer gateway listens on once
	// Server.Listen is called. If empty, Address is set to ":8080".
	Address string
	// Store is the storage backend that chunk payloads and world settings are
	// loaded from and saved to. If nil, nothing is persisted and every chunk
	// is generated on demand.
	Store world.Store
	// Generator produces the chunks the Store holds no payload for. If nil, a
	// terrain generator seeded with Seed and built from the Blocks palette is
	// used.
	Generator world.Generator
	// Blocks is the registry of block types the world simulates. If nil,
	// DefaultBlocks() is used.
	Blocks *world.BlockRegistry
	// Entities is the registry of entity types the world simulates. If no
	// types are registered, DefaultEntities() is used.
	Entities world.EntityRegistry
	// Seed seeds chunk generation and random ticking of new worlds. A seed
	// recovered from the Store takes precedence so an existing world keeps
	// its identity.
	Seed int64
	// ReadOnly prevents the world from ever writing to its Store.
	ReadOnly bool
	// TickInterval is the duration of one simulation step. Defaults to 50ms,
	// or 20 ticks per second.
	TickInterval time.Duration
	// RandomTickSpeed is the number of random block ticks per sub chunk per
	// tick. Set to -1 to disable random ticking, or leave 0 for the default
	// of 3.
	RandomTickSpeed int
	// MaxChunkRadius is the maximum view radius observers may subscribe with,
	// measured in chunks. Observers requesting more are capped to this value.
	// Defaults to 16.
	MaxChunkRadius int
	// MaxObservers is the maximum amount of observers connected to the
	// gateway at the same time. Further connections are refused. Defaults to
	// 64.
	MaxObservers int
	// Allower decides which connections may observe the world through the
	// gateway. If nil, all connections are allowed.
	Allower Allower
}

// New creates a Server using fields of conf. The Server's world is created
// and starts ticking immediately. The observer gateway accepts connections
// once Server.Listen is called.
func (conf Config) New() *Server {
	if conf.Log == nil {
		conf.Log = slog.Default()
	}
	if conf.Name == "" {
		conf.Name = "Stratum Server"
	}
	if conf.Address == "" {
		conf.Address = ":8080"
	}
	if conf.Store == nil {
		conf.Log.Warn("config: no store set, world data will not be persisted")
	}
	if conf.Blocks == nil {
		conf.Blocks = DefaultBlocks()
	}
	if len(conf.Entities.Types()) == 0 {
		conf.Entities = DefaultEntities()
	}
	if conf.Generator == nil {
		conf.Generator = defaultGenerator(conf.Blocks, conf.Seed)
	}
	if conf.MaxChunkRadius == 0 {
		conf.MaxChunkRadius = 16
	}
	if conf.MaxObservers == 0 {
		conf.MaxObservers = 64
	}
	if conf.Allower == nil {
		conf.Allower = allowByDefault{}
	}

	srv := &Server{conf: conf, sessions: make(map[*session]struct{})}
	srv.world = world.Config{
		Log:             conf.Log,
		Store:           conf.Store,
		Generator:       conf.Generator,
		Blocks:          conf.Blocks,
		Entities:        conf.Entities,
		Name:            conf.Name,
		Seed:            conf.Seed,
		TickInterval:    conf.TickInterval,
		RandomTickSpeed: conf.RandomTickSpeed,
		ReadOnly:        conf.ReadOnly,
	}.New()
	return srv
}

// defaultGenerator returns the generator used when none is configured: rolling
// terrain with a grass surface over dirt and stone.
func defaultGenerator(blocks *world.BlockRegistry, seed int64) world.Generator {
	grass, _ := blocks.RuntimeID(BlockGrass)
	dirt, _ := blocks.RuntimeID(BlockDirt)
	stone, _ := blocks.RuntimeID(BlockStone)
	return world.NewTerrain(seed, 56, 8, grass, dirt, stone)
}

// UserConfig is the user configuration for a Stratum server. It holds
// settings that affect different aspects of the server, such as its name and
// the storage backend of its world. UserConfig may be serialised and can be
// converted to a Config by calling UserConfig.Config().
type UserConfig struct {
	// Network holds settings related to network aspects of the server.
	Network struct {
		// Address is the address on which the observer gateway should listen.
		// Observers may connect to this address in order to watch the world.
		Address string
	}
	Server struct {
		// Name is the name of the server as it shows up in the gateway
		// handshake.
		Name string
	}
	World struct {
		// SaveData controls whether the world's data will be saved and
		// loaded. If true, the server uses the storage backend selected by
		// Backend and if false, no data is persisted and every chunk is
		// generated on demand.
		SaveData bool
		// Folder is the folder that the data of the world resides in.
		Folder string
		// Backend selects the storage backend used when SaveData is true.
		// Valid values are "leveldb" and "sqlite". Defaults to "leveldb".
		Backend string
		// Seed controls the procedural generation of chunks that have no
		// saved payload. A seed found in saved world settings takes
		// precedence.
		Seed int64
		// ReadOnly opens the world's storage for reading only. Chunks and
		// settings are never written back.
		ReadOnly bool
		// TickRate is the number of simulation steps per second. Set to 0 for
		// the default rate of 20.
		TickRate int
		// RandomTickSpeed is the number of random block ticks per sub chunk
		// per simulation step. Set to -1 to disable random ticking.
		RandomTickSpeed int
	}
	Observers struct {
		// MaxCount is the maximum amount of observers connected to the
		// gateway at the same time. Further connections are refused.
		MaxCount int
		// MaximumChunkRadius is the maximum chunk radius that observers may
		// subscribe with. If they request a radius above this number, it will
		// be capped and set to the max.
		MaximumChunkRadius int
		// Whitelist enables the host whitelist stored in WhitelistFile. Only
		// observers connecting from whitelisted hosts may subscribe.
		Whitelist bool
		// WhitelistFile is the path of the TOML file holding the whitelisted
		// hosts.
		WhitelistFile string
	}
}

// Config converts a UserConfig to a Config, so that it may be used for
// creating a Server. An error is returned if opening the world's storage
// backend failed.
func (uc UserConfig) Config(log *slog.Logger) (Config, error) {
	var err error
	conf := Config{
		Log:             log,
		Name:            uc.Server.Name,
		Address:         uc.Network.Address,
		Seed:            uc.World.Seed,
		ReadOnly:        uc.World.ReadOnly,
		RandomTickSpeed: uc.World.RandomTickSpeed,
		MaxChunkRadius:  uc.Observers.MaximumChunkRadius,
		MaxObservers:    uc.Observers.MaxCount,
	}
	if uc.World.TickRate > 0 {
		conf.TickInterval = time.Second / time.Duration(uc.World.TickRate)
	}
	if uc.World.SaveData {
		conf.Store, err = openStore(log, uc.World.Backend, uc.World.Folder)
		if err != nil {
			return conf, fmt.Errorf("create world store: %w", err)
		}
	}
	if uc.Observers.Whitelist {
		wl, err := LoadWhitelist(uc.Observers.WhitelistFile)
		if err != nil {
			return conf, fmt.Errorf("load whitelist: %w", err)
		}
		wl.SetEnabled(true)
		conf.Allower = wl
	}
	return conf, nil
}

// openStore opens the world.Store selected by a backend name.
func openStore(log *slog.Logger, backend, folder string) (world.Store, error) {
	switch backend {
	case "", "leveldb":
		return chunkdb.Config{Log: log}.Open(folder)
	case "sqlite":
		return sqlstore.Open(filepath.Join(folder, "world.db"))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// DefaultConfig returns a configuration with the default values filled out.
func DefaultConfig() UserConfig {
	c := UserConfig{}
	c.Network.Address = ":8080"
	c.Server.Name = "Stratum Server"
	c.World.SaveData = true
	c.World.Folder = "world"
	c.World.Backend = "leveldb"
	c.World.Seed = 0
	c.World.TickRate = 20
	c.World.RandomTickSpeed = 3
	c.Observers.MaxCount = 64
	c.Observers.MaximumChunkRadius = 32
	c.Observers.WhitelistFile = "whitelist.toml"
	return c
}
