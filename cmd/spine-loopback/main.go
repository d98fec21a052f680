package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	"github.com/xiaoland/beluna-core/internal/logging"
	"github.com/xiaoland/beluna-core/internal/spine"
)

// #region main
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "spine-loopback: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		addr        string
		costMilli   uint32
		concurrency int
		reject      []string
		deferred    []string
	)
	flagSet := pflag.NewFlagSet("spine-loopback", pflag.ContinueOnError)
	flagSet.StringVar(&addr, "addr", "localhost:50061", "listen address")
	flagSet.Uint32Var(&costMilli, "cost-milli", 1000, "actual cost as thousandths of the reserved cost")
	flagSet.IntVar(&concurrency, "concurrency", 4, "max concurrent actions per batch (0 is unbounded)")
	flagSet.StringSliceVar(&reject, "reject", nil, "capability ids to reject")
	flagSet.StringSliceVar(&deferred, "defer", nil, "capability ids to defer")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger := logging.ConfigureRuntime()
	handler := spine.Loopback{
		CostMultiplierMilli: costMilli,
		Reject:              toSet(reject),
		Defer:               toSet(deferred),
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := grpc.NewServer(spine.ServerOptions()...)
	spine.RegisterServer(srv, spine.NewExecutor(handler, concurrency, logger), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		srv.GracefulStop()
	}()

	logger.Info("loopback spine listening", "addr", lis.Addr().String(), "cost_milli", costMilli)
	return srv.Serve(lis)
}

// #endregion main

func toSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
