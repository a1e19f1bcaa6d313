// Command esctl operates an event store: it benchmarks the configured
// backend, inspects and resubmits dead letters, republishes unpublished
// events and serves consumers with a metrics endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/codewandler/clstr-es/core/es"
	"github.com/codewandler/clstr-es/core/es/estests/domain"
	"github.com/codewandler/clstr-es/internal/backend"
	"github.com/codewandler/clstr-es/internal/config"
)

const usage = `usage: esctl [-config file] <command> [args]

commands:
  bench      append events through a repository and report throughput
  dlq        list, resubmit or delete dead letters
  reconcile  republish unpublished events of the given aggregates
  sweep      republish unpublished events of every aggregate
  serve      run the relay and consumers until interrupted
`

var errUsage = errors.New("invalid usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		reportError(os.Stderr, err)
		os.Exit(1)
	}
}

// reportError prints err unless usage was already printed for it.
func reportError(w io.Writer, err error) {
	if err == errUsage || errors.Is(err, flag.ErrHelp) {
		return
	}
	fmt.Fprintln(w, "esctl:", err)
}

type app struct {
	cfg config.Config
	log *slog.Logger
	out io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("esctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := fs.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	level, _ := cfg.SlogLevel()

	a := &app{
		cfg: cfg,
		log: slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})),
		out: stdout,
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "bench":
		return a.bench(ctx, rest)
	case "dlq":
		return a.dlq(ctx, rest)
	case "reconcile":
		return a.reconcile(ctx, rest)
	case "sweep":
		return a.sweep(ctx)
	case "serve":
		return a.serve(ctx, rest)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		fs.Usage()
		return errUsage
	}
}

// openEnv opens the configured backend and starts an env on it with the
// counter domain registered.
func (a *app) openEnv(ctx context.Context, opts ...es.EnvOption) (*es.Env, func(), error) {
	b, err := backend.Open(ctx, a.cfg, a.log)
	if err != nil {
		return nil, nil, err
	}

	env, err := es.NewEnv(append([]es.EnvOption{
		es.WithCtx(ctx),
		es.WithLog(a.log),
		es.WithDomain(a.cfg.Domain),
		b.EnvOptions(),
		domain.EnvOption(),
		es.WithSnapshotEvery(a.cfg.SnapshotEvery),
	}, opts...)...)
	if err != nil {
		_ = b.Close()
		return nil, nil, err
	}

	return env, func() {
		env.Shutdown()
		if err := b.Close(); err != nil {
			a.log.Warn("close backend", slog.Any("error", err))
		}
	}, nil
}

func (a *app) reconcile(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: reconcile needs at least one aggregate id", errUsage)
	}
	env, closeEnv, err := a.openEnv(ctx)
	if err != nil {
		return err
	}
	defer closeEnv()

	for _, aggID := range args {
		n, err := env.Relay().Reconcile(ctx, aggID)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%s: published %d\n", aggID, n)
	}
	return nil
}

func (a *app) sweep(ctx context.Context) error {
	env, closeEnv, err := a.openEnv(ctx)
	if err != nil {
		return err
	}
	defer closeEnv()

	n, err := env.Relay().Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "published %d\n", n)
	return nil
}
