package main

import (
	"math/rand"

	"github.com/spf13/cobra"

	"github.com/cobyte/allocore/fixalloc"
)

var (
	fixedOps   int
	fixedLive  int
	fixedChunk int
)

func init() {
	cmd := newFixedCmd()
	cmd.Flags().IntVar(&fixedOps, "ops", 200000, "Number of alloc/free operations to perform")
	cmd.Flags().IntVar(&fixedLive, "live", 512, "Target steady-state number of live slots")
	cmd.Flags().IntVar(&fixedChunk, "slots-per-chunk", 512, "Slots acquired per chunk grow")
	rootCmd.AddCommand(cmd)
}

func newFixedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fixed",
		Short: "Drive fixalloc.Allocator through a steady-state churn workload",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFixed()
		},
	}
}

// payload64 stands in for "some small fixed-size record" — the benchmark
// doesn't care what T is, only that slots get reused.
type payload64 struct {
	_ [64]byte
}

func runFixed() error {
	opts := fixalloc.DefaultOptions()
	opts.SlotsPerChunk = fixedChunk
	opts.Log = allocatorLogger()
	a := fixalloc.New[payload64](opts)
	defer a.Destroy()

	rng := rand.New(rand.NewSource(1))
	live := make([]*payload64, 0, fixedLive)

	printInfo("fixed: running %d ops, target live=%d, slots/chunk=%d\n", fixedOps, fixedLive, fixedChunk)

	for i := 0; i < fixedOps; i++ {
		if len(live) >= fixedLive || (len(live) > 0 && rng.Intn(2) == 0) {
			idx := rng.Intn(len(live))
			a.Free(live[idx])
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]
			continue
		}
		p, err := a.Alloc()
		if err != nil {
			return err
		}
		live = append(live, p)
	}

	return printResult(a.Stats())
}
