package main

import (
	"os"

	"github.com/carvefs/carve"
	"github.com/jszwec/csvutil"
)

type extentRecord struct {
	Name   string `csv:"name"`
	Index  int    `csv:"index"`
	Offset uint64 `csv:"offset"`
	Length uint64 `csv:"length"`
}

type statRecord struct {
	FreeBytes      uint64 `csv:"free_bytes"`
	AllocateCalls  uint64 `csv:"allocate_calls"`
	AllocatedBytes uint64 `csv:"allocated_bytes"`
	ReleaseCalls   uint64 `csv:"release_calls"`
	ReleasedBytes  uint64 `csv:"released_bytes"`
	Commits        uint64 `csv:"commits"`
}

func printExtentCSV(store *carve.Store, names []string) error {
	var records []extentRecord
	for _, name := range names {
		extents, err := store.Load(name)
		if err != nil {
			return err
		}
		for i, e := range extents {
			records = append(records, extentRecord{
				Name:   name,
				Index:  i,
				Offset: e.Offset,
				Length: e.Length,
			})
		}
	}
	out, err := csvutil.Marshal(records)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}

func printStatCSV(store *carve.Store, stats carve.Stats) error {
	out, err := csvutil.Marshal([]statRecord{{
		FreeBytes:      store.FreeSpace(),
		AllocateCalls:  stats.AllocateCalls,
		AllocatedBytes: stats.AllocatedBytes,
		ReleaseCalls:   stats.ReleaseCalls,
		ReleasedBytes:  stats.ReleasedBytes,
		Commits:        stats.Commits,
	}})
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
