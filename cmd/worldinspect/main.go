// Command worldinspect prints a summary of a world save: the stored settings
// and the integrity of every column payload. Corrupt columns are reported
// individually, the way the server would quarantine them on load.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/stratum-world/stratum/server/world"
	"github.com/stratum-world/stratum/server/world/chunk"
	"github.com/stratum-world/stratum/server/world/chunkdb"
	"github.com/stratum-world/stratum/server/world/sqlstore"
)

// columnStore is the part of a store the inspection needs: reads plus the
// enumeration both backends provide on top of world.Store.
type columnStore interface {
	world.Store
	Positions() ([]world.ChunkPos, error)
}

func main() {
	backend := flag.String("backend", "leveldb", "storage backend of the save: leveldb or sqlite")
	verbose := flag.Bool("v", false, "print a line per column instead of totals only")
	flag.Parse()

	folder := flag.Arg(0)
	if folder == "" {
		folder = "world"
	}
	if err := run(*backend, folder, *verbose); err != nil {
		fmt.Fprintln(os.Stderr, "worldinspect:", err)
		os.Exit(1)
	}
}

func run(backend, folder string, verbose bool) error {
	store, err := open(backend, folder)
	if err != nil {
		return err
	}
	defer store.Close()

	settings, err := store.ReadSettings()
	switch {
	case errors.Is(err, world.ErrNotFound):
		fmt.Println("settings: none stored")
	case err != nil:
		return err
	default:
		fmt.Printf("settings:\n%s\n", settings)
	}

	positions, err := store.Positions()
	if err != nil {
		return err
	}

	var intact, corrupt, entities, updates int
	for _, pos := range positions {
		payload, err := store.ReadColumn(pos)
		if err != nil {
			return err
		}
		col, err := chunk.Decode(payload)
		if err != nil {
			corrupt++
			fmt.Printf("column %v: %v\n", pos, err)
			continue
		}
		intact++
		entities += len(col.Entities)
		updates += len(col.ScheduledUpdates)
		if verbose {
			fmt.Printf("column %v: %v bytes, %v entities, %v scheduled updates, saved at tick %v\n",
				pos, len(payload), len(col.Entities), len(col.ScheduledUpdates), col.Tick)
		}
	}
	fmt.Printf("%v columns: %v intact, %v corrupt, %v entities, %v scheduled updates\n",
		len(positions), intact, corrupt, entities, updates)
	return nil
}

func open(backend, folder string) (columnStore, error) {
	switch backend {
	case "leveldb":
		return chunkdb.Config{Log: slog.Default()}.Open(folder)
	case "sqlite":
		return sqlstore.Open(filepath.Join(folder, "world.db"))
	}
	return nil, fmt.Errorf("unknown storage backend %q", backend)
}
