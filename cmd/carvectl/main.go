// carvectl is a small administration tool for carve devices: create a
// device, allocate and free named extent sets, and inspect usage.
package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"

	"github.com/carvefs/carve"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:  "carvectl",
		Usage: "Manage carve block-allocator devices",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "path",
				Usage:    "directory of the backing store",
				Required: true,
			},
			&cli.Uint64Flag{
				Name:     "capacity",
				Usage:    "device capacity in bytes",
				Required: true,
			},
			&cli.Uint64Flag{
				Name:  "block-size",
				Usage: "accounting block size in bytes",
				Value: carve.DefaultMinAllocSize,
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log engine operations to stderr",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "create",
				Usage:  "Initialize a fresh device",
				Action: createDevice,
			},
			{
				Name:      "alloc",
				Usage:     "Allocate a named extent set",
				Action:    allocSet,
				ArgsUsage: "NAME SIZE_BYTES",
			},
			{
				Name:      "free",
				Usage:     "Release a named extent set",
				Action:    freeSet,
				ArgsUsage: "NAME",
			},
			{
				Name:   "ls",
				Usage:  "List extent sets",
				Action: listSets,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "csv", Usage: "emit CSV"},
				},
			},
			{
				Name:   "stat",
				Usage:  "Show free space and usage counters",
				Action: statDevice,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "csv", Usage: "emit CSV"},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

func configFromFlags(context *cli.Context) carve.Config {
	cfg := carve.Config{
		Path:         context.String("path"),
		Capacity:     context.Uint64("capacity"),
		MinAllocSize: context.Uint64("block-size"),
	}
	if context.Bool("verbose") {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}
	return cfg
}

func createDevice(context *cli.Context) error {
	store, err := carve.Create(configFromFlags(context))
	if err != nil {
		return err
	}
	defer store.Close()
	fmt.Printf("created device with %d bytes free\n", store.FreeSpace())
	return nil
}

func allocSet(context *cli.Context) error {
	if context.NArg() != 2 {
		return fmt.Errorf("expected NAME and SIZE_BYTES arguments")
	}
	name := context.Args().Get(0)
	size, err := strconv.ParseUint(context.Args().Get(1), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", context.Args().Get(1), err)
	}

	store, err := carve.Open(configFromFlags(context))
	if err != nil {
		return err
	}
	defer store.Close()

	extents, err := store.Allocate(name, size)
	if err != nil {
		return err
	}
	for _, e := range extents {
		fmt.Printf("%s extent: %s\n", name, e)
	}
	fmt.Printf("free space: %d\n", store.FreeSpace())
	return nil
}

func freeSet(context *cli.Context) error {
	if context.NArg() != 1 {
		return fmt.Errorf("expected a NAME argument")
	}
	store, err := carve.Open(configFromFlags(context))
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Delete(context.Args().Get(0)); err != nil {
		return err
	}
	fmt.Printf("free space: %d\n", store.FreeSpace())
	return nil
}

func listSets(context *cli.Context) error {
	store, err := carve.Open(configFromFlags(context))
	if err != nil {
		return err
	}
	defer store.Close()

	names, err := store.List()
	if err != nil {
		return err
	}
	if context.Bool("csv") {
		return printExtentCSV(store, names)
	}
	for _, name := range names {
		extents, err := store.Load(name)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d bytes in %d extents\n",
			name, carve.TotalLength(extents), len(extents))
	}
	return nil
}

func statDevice(context *cli.Context) error {
	store, err := carve.Open(configFromFlags(context))
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats()
	if err != nil {
		return err
	}
	if context.Bool("csv") {
		return printStatCSV(store, stats)
	}
	fmt.Printf("free space:      %d\n", store.FreeSpace())
	fmt.Printf("allocate calls:  %d\n", stats.AllocateCalls)
	fmt.Printf("allocated bytes: %d\n", stats.AllocatedBytes)
	fmt.Printf("release calls:   %d\n", stats.ReleaseCalls)
	fmt.Printf("released bytes:  %d\n", stats.ReleasedBytes)
	fmt.Printf("commits:         %d\n", stats.Commits)
	return nil
}
