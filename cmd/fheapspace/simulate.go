package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/garethgeorge/fheapspace/internal/fheap"
	"github.com/garethgeorge/fheapspace/internal/imagefile"
	"github.com/garethgeorge/fheapspace/internal/progress"
	"github.com/spf13/cobra"
)

var simulateFlags struct {
	ops        int
	seed       int64
	maxObject  uint64
	freeRatio  float64
	checkEvery int
	mirrors    []string
	freeAll    bool
}

func init() {
	cmd := newSimulateCmd()
	f := cmd.Flags()
	f.IntVar(&simulateFlags.ops, "ops", 10000, "Number of puts and frees")
	f.Int64Var(&simulateFlags.seed, "seed", 1, "Random seed")
	f.Uint64Var(&simulateFlags.maxObject, "max-object", 0, "Largest object in bytes (0 for the largest a block holds)")
	f.Float64Var(&simulateFlags.freeRatio, "free-ratio", 0.4, "Chance that an op frees an object")
	f.IntVar(&simulateFlags.checkEvery, "check-every", 0, "Validate the heap every N ops")
	f.StringSliceVar(&simulateFlags.mirrors, "mirror", nil, "Extra copies of the image")
	f.BoolVar(&simulateFlags.freeAll, "free-all", false, "Free every object before saving")
	rootCmd.AddCommand(cmd)
}

func newSimulateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "simulate <image>",
		Short: "Run a random workload and save the heap",
		Long: `The simulate command puts and frees random objects on a fresh heap,
growing the heap whenever an object does not fit, and saves the result.

Example:
  fheapspace simulate heap.fhs --ops 50000 --seed 7
  fheapspace simulate heap.fhs --mirror copy1.fhs --mirror copy2.fhs`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd, args)
		},
	}
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := fheap.New(cfg, fheap.WithLogger(log))
	if err != nil {
		return err
	}
	defer m.Close()

	wl := fheap.Workload{
		Ops:        simulateFlags.ops,
		Seed:       simulateFlags.seed,
		MaxObject:  simulateFlags.maxObject,
		FreeRatio:  simulateFlags.freeRatio,
		CheckEvery: simulateFlags.checkEvery,
	}
	tracker := progress.NewLogBarProgressTracker(log, max(1, wl.Ops/10))
	res, err := m.Run(cmd.Context(), wl, tracker)
	if err != nil {
		return err
	}
	if simulateFlags.freeAll {
		for _, obj := range m.Objects() {
			if err := m.Free(obj); err != nil {
				return err
			}
		}
	}
	if err := m.Validate(); err != nil {
		return err
	}

	handles := imagefile.Files(append([]string{args[0]}, simulateFlags.mirrors...)...)
	if err := m.Save(handles...); err != nil {
		return err
	}

	st := m.Stats()
	bold := color.New(color.Bold).SprintFunc()
	fmt.Fprintf(os.Stdout, "%s %d puts, %d frees, %d grows, %d dropped\n", bold("workload:"), res.Puts, res.Frees, res.Grows, res.Full)
	fmt.Fprintf(os.Stdout, "%s %d objects (%s), %d free sections (%s)\n", bold("heap:"),
		st.Objects, humanize.IBytes(st.ObjectBytes), st.Free.Sections, humanize.IBytes(st.Free.TotalSpace))
	fmt.Fprintf(os.Stdout, "%s %s\n", bold("saved:"), color.GreenString("%d copies", len(handles)))
	return nil
}
