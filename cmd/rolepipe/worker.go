package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/skillgraph/rolepipe/config"
	"github.com/skillgraph/rolepipe/pipeline"
	"github.com/skillgraph/rolepipe/telemetry"
)

func newWorkerCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a task-queue worker without the HTTP API",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runWorker(flags)
		},
	}
}

func runWorker(flags *rootFlags) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	dbg := flags.debug || cfg.Debug
	ctx := logContext(dbg)
	log.Print(ctx, log.KV{K: "msg", V: "starting rolepipe worker"},
		log.KV{K: "version", V: version},
		log.KV{K: "environment", V: cfg.Environment},
		log.KV{K: "task_queue", V: cfg.EngineTaskQueue})

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	store, rdb, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	dsClient, err := buildDownstream(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}

	// Workers poll Temporal task queues. Inline execution has no queue
	// to poll, so a reachable engine is mandatory here.
	_, tEng, err := buildEngine(ctx, cfg, false, false, logger, metrics, tracer)
	if err != nil {
		return err
	}
	defer tEng.Close()

	acts, err := pipeline.NewActivities(dsClient, store, logger, metrics)
	if err != nil {
		return err
	}
	if err := pipeline.Register(ctx, tEng, acts, cfg.EngineTaskQueue); err != nil {
		return err
	}
	tEng.Worker().Start()
	defer tEng.Worker().Stop()
	log.Printf(ctx, "worker polling %q", cfg.EngineTaskQueue)

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	log.Printf(ctx, "exited")
	return nil
}
