package main

import (
	"context"
	"flag"
	"fmt"
	"runtime"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/clstr-es/core/es"
	"github.com/codewandler/clstr-es/core/es/estests/domain"
)

type benchResult struct {
	Events  int
	Version es.Version
	Took    time.Duration
}

func (a *app) bench(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("bench", flag.ContinueOnError)
	var (
		n             = fs.Int("n", 10_000, "number of increments")
		batch         = fs.Int("batch", 1_000, "report every batch events")
		aggID         = fs.String("aggregate", "", "aggregate id (default: random)")
		cacheSize     = fs.Int("cache", 1_000, "repository LRU size, 0 disables")
		loadAfterSave = fs.Bool("load-after-save", false, "load the aggregate after every save")
		timeout       = fs.Duration("timeout", 2*time.Minute, "overall deadline")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *n <= 0 || *batch <= 0 {
		return fmt.Errorf("%w: -n and -batch must be positive", errUsage)
	}
	if *aggID == "" {
		*aggID = "bench-" + gonanoid.Must(8)
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	env, closeEnv, err := a.openEnv(ctx)
	if err != nil {
		return err
	}
	defer closeEnv()

	var repoOpts []es.RepositoryOption
	if *cacheSize > 0 {
		repoOpts = append(repoOpts, es.WithRepoCacheLRU(*cacheSize))
	}
	repo := domain.NewRepository(env, repoOpts...)

	fmt.Fprintf(a.out, "backend: %s, broker: %s, snapshot every: %d\n", a.cfg.Backend, a.cfg.Broker, a.cfg.SnapshotEvery)

	res, err := runBench(ctx, repo, *aggID, *n, *batch, *loadAfterSave, func(events int, took time.Duration) {
		mu := getMemUsage()
		fmt.Fprintf(
			a.out,
			" | %5d events | %6d ms | %6d events/s | (%d / %d) MiB mem (sys) |\n",
			events, took.Milliseconds(), int(float64(events)/took.Seconds()), mu.Alloc/1024/1024, mu.Sys/1024/1024,
		)
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "total runtime: %.3f seconds\n", res.Took.Seconds())
	fmt.Fprintf(a.out, "      version: %d\n", res.Version)
	fmt.Fprintf(a.out, "avg. writes/s: %d\n", int(float64(res.Events)/res.Took.Seconds()))
	return nil
}

// runBench creates aggID and increments it n times, calling report after
// every batch increments.
func runBench(
	ctx context.Context,
	repo *es.Repository[domain.Counter],
	aggID string,
	n, batch int,
	loadAfterSave bool,
	report func(events int, took time.Duration),
) (benchResult, error) {
	startAt := time.Now()

	version, err := repo.Execute(ctx, aggID, domain.Create(aggID))
	if err != nil {
		return benchResult{}, fmt.Errorf("create %s: %w", aggID, err)
	}

	lastTime := time.Now()
	for i := 1; i <= n; i++ {
		version, err = repo.Execute(ctx, aggID, domain.IncrementBy(1))
		if err != nil {
			return benchResult{}, fmt.Errorf("increment %d: %w", i, err)
		}

		if loadAfterSave {
			if _, _, err := repo.Load(ctx, aggID); err != nil {
				return benchResult{}, fmt.Errorf("load after save %d: %w", i, err)
			}
		}

		if i%batch == 0 {
			now := time.Now()
			report(batch, now.Sub(lastTime))
			lastTime = now
		}
	}

	runtime.GC()
	return benchResult{Events: n + 1, Version: version, Took: time.Since(startAt)}, nil
}

type memUsage struct {
	Alloc uint64 // heap bytes allocated and not yet freed
	Sys   uint64 // total bytes obtained from the OS
}

func getMemUsage() memUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return memUsage{Alloc: m.Alloc, Sys: m.Sys}
}
