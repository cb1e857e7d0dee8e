package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	temporalclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"goa.design/clue/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/skillgraph/rolepipe/config"
	"github.com/skillgraph/rolepipe/downstream"
	"github.com/skillgraph/rolepipe/engine"
	"github.com/skillgraph/rolepipe/engine/inline"
	"github.com/skillgraph/rolepipe/engine/temporal"
	"github.com/skillgraph/rolepipe/status"
	"github.com/skillgraph/rolepipe/telemetry"
)

// logContext builds the process logging context: JSON in deployments,
// terminal format when attached to a TTY, debug severity on request.
func logContext(dbg bool) context.Context {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if dbg {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	return ctx
}

// buildStore connects the Redis-backed status store. The caller owns the
// returned client and closes it on shutdown.
func buildStore(cfg *config.Config) (status.Store, *redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.StatusStoreAddr(),
		Password: cfg.StatusStorePassword,
		DB:       cfg.StatusStoreDB,
	})
	store, err := status.New(status.Options{Client: rdb, TTL: cfg.StatusStoreTTL})
	if err != nil {
		return nil, nil, errors.Join(fmt.Errorf("build status store: %w", err), rdb.Close())
	}
	return store, rdb, nil
}

// buildDownstream assembles the downstream client chain: embedded
// fixtures or HTTP, wrapped by the rate limiter and circuit breaker.
// Both wrappers are no-ops when their knobs are unset.
func buildDownstream(ctx context.Context, cfg *config.Config, logger telemetry.Logger, metrics telemetry.Metrics) (downstream.Client, error) {
	var (
		client downstream.Client
		err    error
	)
	if cfg.EnableMockData {
		log.Printf(ctx, "downstream: serving embedded mock data")
		client, err = downstream.NewMock()
	} else {
		client, err = downstream.New(downstream.Options{
			BaseURL:   cfg.DownstreamBaseURL,
			AuthToken: cfg.DownstreamAuthToken,
			Timeout:   cfg.DownstreamTimeout,
			Logger:    logger,
			Metrics:   metrics,
		})
	}
	if err != nil {
		return nil, err
	}
	client = downstream.RateLimited(client, cfg.DownstreamRPS, int(cfg.DownstreamRPS))
	client = downstream.WithBreaker(client, cfg.DownstreamBreakerThreshold)
	return client, nil
}

// buildEngine connects the Temporal adapter named by engine_host. When
// the host is empty or unreachable and allowInline is set, it falls back
// to in-process execution: no retries across restarts, no durability.
// Config validation keeps that fallback out of prod, and the worker
// command never allows it. The second return is non-nil only for
// Temporal so callers can start workers and close the client.
func buildEngine(ctx context.Context, cfg *config.Config, startWorkers, allowInline bool, logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) (engine.Engine, *temporal.Engine, error) {
	if cfg.EngineHost == "" {
		if !allowInline {
			return nil, nil, fmt.Errorf("engine_host is required: inline execution runs inside the serve process")
		}
		log.Printf(ctx, "engine: no host configured, executing workflows inline")
		return inline.New(), nil, nil
	}

	eng, err := temporal.New(temporal.Options{
		ClientOptions: &temporalclient.Options{
			HostPort:  cfg.EngineHost,
			Namespace: cfg.EngineNamespace,
			ConnectionOptions: temporalclient.ConnectionOptions{
				DialOptions: []grpc.DialOption{
					grpc.WithKeepaliveParams(keepalive.ClientParameters{
						Time:                30 * time.Second,
						Timeout:             10 * time.Second,
						PermitWithoutStream: true,
					}),
				},
			},
		},
		Worker: temporal.WorkerOptions{
			TaskQueue: cfg.EngineTaskQueue,
			Options: worker.Options{
				MaxConcurrentActivityExecutionSize:     cfg.EngineMaxConcurrentActivities,
				MaxConcurrentWorkflowTaskExecutionSize: cfg.EngineMaxConcurrentWorkflows,
			},
		},
		DisableWorkerAutoStart: !startWorkers,
		BaseContext:            ctx,
		Logger:                 logger,
		Metrics:                metrics,
		Tracer:                 tracer,
	})
	if err != nil {
		return nil, nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := eng.Ping(pingCtx); err != nil {
		eng.Close()
		if !allowInline || cfg.Environment == config.EnvProd {
			return nil, nil, fmt.Errorf("temporal unreachable at %s: %w", cfg.EngineHost, err)
		}
		log.Printf(ctx, "engine: temporal unreachable at %s, executing workflows inline: %v", cfg.EngineHost, err)
		return inline.New(), nil, nil
	}
	log.Print(ctx, log.KV{K: "msg", V: "engine connected"},
		log.KV{K: "host", V: cfg.EngineHost},
		log.KV{K: "namespace", V: cfg.EngineNamespace},
		log.KV{K: "task_queue", V: cfg.EngineTaskQueue})
	return eng, eng, nil
}

// handleHTTPServer runs the HTTP server until ctx is canceled, then
// drains in-flight requests with a 30 second budget.
func handleHTTPServer(ctx context.Context, addr string, handler http.Handler, wg *sync.WaitGroup, errc chan error) {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			log.Printf(ctx, "HTTP server listening on %q", addr)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", addr)

		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()
}
