package main

import (
	"bufio"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/xiaoland/beluna-core/internal/admission"
	"github.com/xiaoland/beluna-core/internal/affordance"
	"github.com/xiaoland/beluna-core/internal/config"
	"github.com/xiaoland/beluna-core/internal/continuity"
	"github.com/xiaoland/beluna-core/internal/coreerr"
	"github.com/xiaoland/beluna-core/internal/logging"
	"github.com/xiaoland/beluna-core/internal/replay"
	"github.com/xiaoland/beluna-core/internal/spine"
	"github.com/xiaoland/beluna-core/internal/state"
)

// #region main
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "controller: %v\n", err)
		if coreerr.IsFatal(err) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flagSet := pflag.NewFlagSet("controller", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to YAML config (BELUNA_* env vars override it)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.ConfigureRuntime()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, cleanup, err := buildRuntime(cfg, logger)
	defer cleanup()
	if err != nil {
		return err
	}

	return rt.serveStdin(ctx)
}

// #endregion main

// #region wiring

// runtime is the wired engine plus the queue external debits arrive on.
type runtime struct {
	engine *continuity.Engine
	debits *continuity.DebitQueue
	logger *slog.Logger
}

// buildRuntime wires the catalog, resolver, dispatch port, journal and
// snapshot restore from cfg. cleanup releases the port and journal and is
// safe to call on error.
func buildRuntime(cfg config.Config, logger *slog.Logger) (*runtime, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", "err", err)
			}
		}
	}

	registry := affordance.NewRegistry("empty", nil)
	if cfg.Paths.Catalog != "" {
		r, err := affordance.LoadCatalog(cfg.Paths.Catalog)
		if err != nil {
			return nil, cleanup, err
		}
		registry = r
	}
	resolver, err := admission.NewResolver(registry, cfg.ResolverConfig())
	if err != nil {
		return nil, cleanup, err
	}

	var port spine.Port
	if cfg.Spine.Addr != "" {
		client, err := spine.NewClient(cfg.Spine.Addr)
		if err != nil {
			return nil, cleanup, fmt.Errorf("connect spine at %s: %w", cfg.Spine.Addr, err)
		}
		closers = append(closers, client.Close)
		port = client
	} else {
		port = spine.NewExecutor(spine.Loopback{CostMultiplierMilli: cfg.Spine.LoopbackCostMilli}, cfg.Spine.Concurrency, logger)
	}

	queue := continuity.NewDebitQueue()
	opts := []continuity.Option{continuity.WithLogger(logger), continuity.WithDebitSource(queue)}
	var store *state.Store
	if cfg.Paths.Journal != "" {
		store, err = state.NewStore(cfg.Paths.Journal)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, store.Close)
		opts = append(opts, continuity.WithJournal(store))
	}

	engine, err := continuity.New(cfg.EngineConfig(), resolver, port, opts...)
	if err != nil {
		return nil, cleanup, err
	}
	if cfg.Paths.Snapshot != "" {
		restored, err := engine.RestoreFile(cfg.Paths.Snapshot)
		if err != nil {
			return nil, cleanup, err
		}
		if !restored {
			logger.Info("no snapshot found, starting fresh", "path", cfg.Paths.Snapshot)
		}
	}
	if store != nil {
		last, started := engine.LastCycle()
		if err := store.CheckResume(context.Background(), last, started, engine.LastSeq()); err != nil {
			return nil, cleanup, err
		}
	}

	logger.Info("controller ready",
		"registry", registry.Version(), "affordances", registry.Len(),
		"balance", engine.Balance(), "spine", cmp.Or(cfg.Spine.Addr, spine.ModeLocal))
	return &runtime{engine: engine, debits: queue, logger: logger}, cleanup, nil
}

// #endregion wiring

// #region serve

// serveStdin reads one JSON cycle per line and writes one JSON output per
// line. A zero cycle_id means the cycle after the last committed one.
func (rt *runtime) serveStdin(ctx context.Context) error {
	engine, logger := rt.engine, rt.logger
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	enc := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var in replay.FixtureCycle
		if err := json.Unmarshal([]byte(line), &in); err != nil {
			logger.Error("malformed cycle input", "err", err)
			continue
		}
		if in.CycleID == 0 {
			last, _ := engine.LastCycle()
			in.CycleID = last + 1
		}

		attempts := make([]admission.IntentAttempt, 0, len(in.Attempts))
		for _, fa := range in.Attempts {
			a, err := fa.ToAttempt(in.CycleID)
			if err != nil {
				logger.Error("attempt rejected before admission", "cycle", in.CycleID, "err", err)
				continue
			}
			attempts = append(attempts, a)
		}
		rt.debits.Push(in.Debits...)

		out, err := engine.ProcessAttempts(ctx, in.CycleID, attempts)
		if err != nil {
			if coreerr.IsFatal(err) {
				return err
			}
			logger.Error("cycle aborted", "cycle", in.CycleID, "err", err)
			continue
		}
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
	return scanner.Err()
}

// #endregion serve
