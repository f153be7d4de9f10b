package main

import (
	"math/rand"
	"unsafe"

	"github.com/spf13/cobra"

	"github.com/cobyte/allocore/varpool"
)

var (
	varOps      int
	varLive     int
	varMinSize  int
	varMaxSize  int
	varReallocs bool
)

func init() {
	cmd := newVariableCmd()
	cmd.Flags().IntVar(&varOps, "ops", 100000, "Number of alloc/free/realloc operations to perform")
	cmd.Flags().IntVar(&varLive, "live", 256, "Target steady-state number of live allocations")
	cmd.Flags().IntVar(&varMinSize, "min-size", 16, "Minimum request size in bytes")
	cmd.Flags().IntVar(&varMaxSize, "max-size", 2048, "Maximum request size in bytes")
	cmd.Flags().BoolVar(&varReallocs, "reallocs", true, "Mix reallocate calls into the workload")
	rootCmd.AddCommand(cmd)
}

func newVariableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "variable",
		Short: "Drive varpool.Pool through a fragmentation-inducing churn workload",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVariable()
		},
	}
}

func runVariable() error {
	opts := varpool.DefaultOptions()
	opts.Log = allocatorLogger()
	p := varpool.New(opts)
	defer p.Destroy()

	rng := rand.New(rand.NewSource(1))
	live := make([]unsafe.Pointer, 0, varLive)
	sizes := make([]uintptr, 0, varLive)

	printInfo("variable: running %d ops, target live=%d, size range [%d,%d]\n",
		varOps, varLive, varMinSize, varMaxSize)

	randSize := func() uintptr {
		return uintptr(varMinSize + rng.Intn(varMaxSize-varMinSize+1))
	}

	for i := 0; i < varOps; i++ {
		switch {
		case len(live) >= varLive || (len(live) > 0 && rng.Intn(3) == 0):
			idx := rng.Intn(len(live))
			if varReallocs && rng.Intn(2) == 0 {
				ns := randSize()
				np, err := p.Realloc(live[idx], ns)
				if err != nil {
					return err
				}
				live[idx] = np
				sizes[idx] = ns
				continue
			}
			p.Free(live[idx])
			live[idx] = live[len(live)-1]
			sizes[idx] = sizes[len(sizes)-1]
			live = live[:len(live)-1]
			sizes = sizes[:len(sizes)-1]
		default:
			s := randSize()
			ptr, err := p.Alloc(s)
			if err != nil {
				return err
			}
			live = append(live, ptr)
			sizes = append(sizes, s)
		}
	}

	return printResult(p.Stats())
}
