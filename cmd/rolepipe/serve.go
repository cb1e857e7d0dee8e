package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/skillgraph/rolepipe/config"
	"github.com/skillgraph/rolepipe/httpapi"
	"github.com/skillgraph/rolepipe/pipeline"
	"github.com/skillgraph/rolepipe/telemetry"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	var noWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, by default, an embedded worker",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe(flags, noWorker)
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false,
		"do not poll the task queue from this process")
	return cmd
}

func runServe(flags *rootFlags, noWorker bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	dbg := flags.debug || cfg.Debug
	ctx := logContext(dbg)
	log.Print(ctx, log.KV{K: "msg", V: "starting rolepipe"},
		log.KV{K: "version", V: version},
		log.KV{K: "environment", V: cfg.Environment},
		log.KV{K: "http_addr", V: cfg.HTTPAddr})

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

	eng, tEng, err := buildEngine(ctx, cfg, !noWorker, true, logger, metrics, tracer)
	if err != nil {
		return err
	}
	if tEng != nil {
		defer tEng.Close()
	}

	acts, err := pipeline.NewActivities(dsClient, store, logger, metrics)
	if err != nil {
		return err
	}
	if err := pipeline.Register(ctx, eng, acts, cfg.EngineTaskQueue); err != nil {
		return err
	}
	if tEng != nil && !noWorker {
		tEng.Worker().Start()
		defer tEng.Worker().Stop()
		log.Printf(ctx, "worker polling %q", cfg.EngineTaskQueue)
	}

	svc, err := pipeline.NewService(pipeline.ServiceOptions{
		Engine:           eng,
		Store:            store,
		Downstream:       dsClient,
		Logger:           logger,
		Metrics:          metrics,
		Tracer:           tracer,
		TaskQueue:        cfg.EngineTaskQueue,
		DashboardBaseURL: cfg.DashboardBaseURL,
	})
	if err != nil {
		return err
	}

	srv, err := httpapi.New(httpapi.Options{
		Service:     svc,
		Engine:      eng,
		Store:       store,
		Downstream:  dsClient,
		Logger:      logger,
		CORSOrigins: cfg.CORSOrigins,
		Debug:       dbg,
	})
	if err != nil {
		return err
	}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	handleHTTPServer(ctx, cfg.HTTPAddr, srv.Handler(ctx), &wg, errc)

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
	return nil
}
