// Package main provides chmstress, a tool that hammers a chm.Map from many
// goroutines and then checks that no update was lost.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/llxisdsh/chm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
)

// options holds parsed command line options.
type options struct {
	workers     int
	keys        int
	ops         int
	duration    time.Duration
	collide     int
	presize     int
	sharedKeys  int
	metricsAddr string
	logLevel    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, out, errOut io.Writer) int {
	opts, code := parseFlags(errOut, args)
	if code >= 0 {
		return code
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "chmstress",
		Level:  hclog.LevelFromString(opts.logLevel),
		Output: errOut,
	})

	mapOpts := []func(*chm.MapConfig){
		chm.WithLogger(logger.Named("map")),
		chm.WithPresize(opts.presize),
	}
	if opts.collide > 0 {
		buckets := uintptr(opts.collide)
		mapOpts = append(mapOpts, chm.WithHasher(func(k int, _ uintptr) uintptr {
			return uintptr(k) % buckets
		}))
	}
	m := chm.NewMap[int, int](mapOpts...)

	if opts.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(chm.NewCollector("chmstress", "main", m))
		srv := &http.Server{
			Addr:              opts.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", "addr", opts.metricsAddr)
	}

	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	start := time.Now()
	res, err := stress(ctx, m, opts)
	if err != nil {
		logger.Error("stress run failed", "error", err)
		return 1
	}
	logger.Info("stress run finished",
		"ops", res.ops,
		"elapsed", time.Since(start),
		"size", m.Size())

	if err := verify(m, res); err != nil {
		logger.Error("verification failed", "error", err)
		fmt.Fprint(out, m.Stats().ToString())
		return 1
	}
	fmt.Fprint(out, m.Stats().ToString())
	return 0
}

// parseFlags returns the options and -1, or an exit code when the process
// should stop.
func parseFlags(errOut io.Writer, args []string) (options, int) {
	fs := flag.NewFlagSet("chmstress", flag.ContinueOnError)
	fs.SetOutput(errOut)

	workers := fs.IntP("workers", "w", runtime.GOMAXPROCS(0), "Number of goroutines")
	keys := fs.IntP("keys", "k", 1<<16, "Private keys per worker")
	ops := fs.IntP("ops", "n", 1_000_000, "Operations per worker")
	duration := fs.DurationP("duration", "d", 0, "Stop after this long (0 runs all ops)")
	collide := fs.Int("collide", 0, "Hash keys into this many values to force tree bins (0 disables)")
	presize := fs.Int("presize", 0, "Initial size hint")
	shared := fs.Int("shared-keys", 64, "Keys incremented by every worker through Merge")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	logLevel := fs.String("log-level", "info", "Log level (trace, debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return options{}, 0
		}
		return options{}, 2
	}
	if *workers < 1 || *keys < 1 || *ops < 0 || *shared < 0 {
		fmt.Fprintln(errOut, "error: --workers and --keys must be positive, --ops and --shared-keys non-negative")
		return options{}, 2
	}
	return options{
		workers:     *workers,
		keys:        *keys,
		ops:         *ops,
		duration:    *duration,
		collide:     *collide,
		presize:     *presize,
		sharedKeys:  *shared,
		metricsAddr: *metricsAddr,
		logLevel:    *logLevel,
	}, -1
}

// result is what the workers did, used as the reference for verification.
type result struct {
	ops        int64
	private    []map[int]int
	increments []int64
}

// stress runs the workers. Worker w owns the keys k with k%workers == w and
// mirrors every update to them in a private reference map. Keys below zero
// are shared and only ever incremented.
func stress(ctx context.Context, m *chm.Map[int, int], opts options) (*result, error) {
	res := &result{
		private:    make([]map[int]int, opts.workers),
		increments: make([]int64, opts.sharedKeys),
	}
	var (
		wg       sync.WaitGroup
		ops      atomic.Int64
		errOnce  sync.Once
		firstErr error
	)
	incs := make([]atomic.Int64, opts.sharedKeys)
	for w := range opts.workers {
		ref := make(map[int]int)
		res.private[w] = ref
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := worker(ctx, m, opts, w, ref, incs, &ops); err != nil {
				errOnce.Do(func() { firstErr = err })
			}
		}()
	}
	wg.Wait()
	for i := range incs {
		res.increments[i] = incs[i].Load()
	}
	res.ops = ops.Load()
	return res, firstErr
}

func worker(
	ctx context.Context,
	m *chm.Map[int, int],
	opts options,
	w int,
	ref map[int]int,
	incs []atomic.Int64,
	ops *atomic.Int64,
) error {
	r := rand.New(rand.NewPCG(uint64(w), uint64(time.Now().UnixNano())))
	for i := 0; i < opts.ops; i++ {
		if i%1024 == 0 && ctx.Err() != nil {
			return nil
		}
		k := r.IntN(opts.keys)*opts.workers + w
		var err error
		switch n := r.IntN(100); {
		case n < 40:
			v := r.Int()
			if err = m.Store(k, v); err == nil {
				ref[k] = v
			}
		case n < 60:
			if err = m.Delete(k); err == nil {
				delete(ref, k)
			}
		case n < 75:
			var (
				v  int
				ok bool
			)
			v, ok, err = m.Compute(k, func(old int, loaded bool) (int, chm.ComputeOp) {
				if loaded && old%2 == 0 {
					return 0, chm.DeleteOp
				}
				return old + 1, chm.UpdateOp
			})
			if err == nil {
				if ok {
					ref[k] = v
				} else {
					delete(ref, k)
				}
			}
		case n < 85 && opts.sharedKeys > 0:
			s := r.IntN(opts.sharedKeys)
			_, _, err = m.Merge(-1-s, 1, func(old, v int) (int, chm.ComputeOp) {
				return old + v, chm.UpdateOp
			})
			if err == nil {
				incs[s].Add(1)
			}
		default:
			v, ok := m.Load(k)
			if want, has := ref[k]; ok != has || v != want {
				return fmt.Errorf("worker %d: Load(%d) = %d, %v; want %d, %v", w, k, v, ok, want, has)
			}
		}
		if err != nil {
			return err
		}
		ops.Add(1)
	}
	return nil
}

// verify checks the final map against the workers' references and the
// counter against an exact traversal.
func verify(m *chm.Map[int, int], res *result) error {
	want := 0
	for w, ref := range res.private {
		for k, v := range ref {
			if got, ok := m.Load(k); !ok || got != v {
				return fmt.Errorf("worker %d key %d: got %d, %v; want %d", w, k, got, ok, v)
			}
		}
		want += len(ref)
	}
	for s, n := range res.increments {
		if n == 0 {
			continue
		}
		want++
		if got, _ := m.Load(-1 - s); int64(got) != n {
			return fmt.Errorf("shared key %d: got %d increments, want %d", -1-s, got, n)
		}
	}
	seen := 0
	for range m.All() {
		seen++
	}
	if seen != want || m.Size() != want {
		return fmt.Errorf("size mismatch: traversal %d, Size %d, reference %d", seen, m.Size(), want)
	}
	return nil
}
