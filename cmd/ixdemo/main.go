// Command ixdemo drives a short synthetic workload against a Table, a
// Queue and a Wheel, built from flag-supplied sizes. It carries no
// algorithmic content of its own: it's wiring over the ix package's public
// operations, logging progress with zap.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GabrielGanne/ix"
)

type demoOpts struct {
	buckets  int
	capacity int
	slots    int
	resMS    int64
	keys     int
}

var opts = demoOpts{
	buckets:  100,
	capacity: 64,
	slots:    256,
	resMS:    1,
	keys:     10000,
}

func init() {
	rootCmd.Flags().IntVar(&opts.buckets, "table-buckets", opts.buckets, "initial bucket count for the demo table")
	rootCmd.Flags().IntVar(&opts.capacity, "queue-capacity", opts.capacity, "initial capacity for the demo queue")
	rootCmd.Flags().IntVar(&opts.slots, "wheel-slots", opts.slots, "slot count for the demo wheel, rounded to a power of two")
	rootCmd.Flags().Int64Var(&opts.resMS, "wheel-resolution-ms", opts.resMS, "tick resolution for the demo wheel, in milliseconds")
	rootCmd.Flags().IntVar(&opts.keys, "keys", opts.keys, "number of synthetic keys/items/timers to drive through each structure")
}

var rootCmd = &cobra.Command{
	Use:   "ixdemo",
	Short: "drive a synthetic workload through ix.Table, ix.Queue and ix.Wheel",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := zap.NewDevelopment()
		if err != nil {
			return errors.Wrap(err, "ixdemo: building logger")
		}
		defer func() { _ = log.Sync() }()

		if err := runTable(log); err != nil {
			return errors.Wrap(err, "ixdemo: table workload")
		}
		if err := runQueue(log); err != nil {
			return errors.Wrap(err, "ixdemo: queue workload")
		}
		if err := runWheel(log); err != nil {
			return errors.Wrap(err, "ixdemo: wheel workload")
		}
		return nil
	},
}

func runTable(log *zap.Logger) error {
	tbl := ix.NewTable(ix.WithBuckets(opts.buckets))
	defer tbl.Close()

	for i := 0; i < opts.keys; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		if err := tbl.Insert(key, i); err != nil {
			return err
		}
	}
	for i := 0; i < opts.keys; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		if _, ok := tbl.Lookup(key); !ok {
			return errors.Newf("ixdemo: expected key-%d to be present", i)
		}
	}

	tbl.Stats().Log(log)
	return nil
}

func runQueue(log *zap.Logger) error {
	var fired int
	q := ix.NewQueue(
		ix.WithCapacity(opts.capacity),
		ix.WithExpireFunc(func(any) { fired++ }),
	)
	defer q.Close()

	for i := 0; i < opts.keys; i++ {
		if err := q.Insert(0, i, uint64(i)); err != nil {
			return err
		}
	}
	q.ExpireAll(uint64(opts.keys))

	log.Info("ixdemo queue workload done", zap.Int("fired", fired))
	q.Stats().Log(log)
	return nil
}

func runWheel(log *zap.Logger) error {
	res := time.Duration(opts.resMS) * time.Millisecond
	var fired int
	w := ix.NewWheel(
		ix.WithSlots(opts.slots),
		ix.WithTickResolution(res),
		ix.WithExpireCallback(func(any) { fired++ }),
	)
	defer w.Close(false)

	for i := 0; i < opts.keys; i++ {
		delay := time.Duration(i%opts.slots+1) * res
		if err := w.Add(delay, i); err != nil {
			return err
		}
	}

	for tick := 1; tick <= opts.slots+1; tick++ {
		if _, err := w.Tick(time.Duration(tick) * res); err != nil {
			return err
		}
	}

	log.Info("ixdemo wheel workload done", zap.Int("fired", fired))
	w.Stats().Log(log)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ixdemo: %+v\n", err)
		os.Exit(1)
	}
}
