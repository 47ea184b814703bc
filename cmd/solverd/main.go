package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/webquiz/solver/internal/api"
	"github.com/webquiz/solver/internal/browser"
	"github.com/webquiz/solver/internal/config"
	"github.com/webquiz/solver/internal/engine"
	"github.com/webquiz/solver/internal/solver"
	"github.com/webquiz/solver/internal/stats"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("solverd exited", zap.Error(err))
	}
}

func run(configPath string, logger *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Info("configuration loaded",
		zap.Int("pool_size", cfg.PoolSize),
		zap.Duration("exec_timeout", cfg.ExecTimeout.Std()),
		zap.String("runtime", cfg.Browser.Runtime))

	recorder := buildRecorder(cfg, logger)

	factory, err := browser.NewFactory(browser.Options{
		Runtime:    cfg.Browser.Runtime,
		Headless:   cfg.Browser.Headless,
		NavTimeout: cfg.Browser.NavTimeout.Std(),
	}, logger.Named("browser"))
	if err != nil {
		return err
	}

	solverOpts := []solver.Option{}
	if answerer, aerr := solver.NewOpenAIAnswerer(cfg.LLMModel); aerr == nil {
		logger.Info("llm answer fallback enabled")
		solverOpts = append(solverOpts, solver.WithAnswerInferencer(answerer))
	} else {
		logger.Info("llm answer fallback disabled", zap.String("reason", aerr.Error()))
	}
	exec := solver.New(logger.Named("solver"), solverOpts...)

	eng := engine.New(engine.Options{
		PoolSize:       cfg.PoolSize,
		ExecTimeout:    cfg.ExecTimeout.Std(),
		GracePeriod:    cfg.GracePeriod.Std(),
		LaunchTimeout:  cfg.LaunchTimeout.Std(),
		MaxQueueLength: cfg.MaxQueueLength,
		MaxQueueWait:   cfg.MaxQueueWait.Std(),
		MaxRetries:     cfg.MaxRetries,
		SlotCeiling:    cfg.OuterTimeout.Std(),
	}, factory, exec, logger.Named("engine"),
		engine.WithOutcomeHook(func(out engine.Outcome) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = recorder.Record(ctx, stats.Event{
				Status:   string(out.Status),
				Kind:     string(out.Kind),
				Duration: out.Duration,
				At:       time.Now(),
			})
		}))

	server, err := api.NewServer(cfg, eng, recorder, logger.Named("api"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			cfg.ExecTimeout.Std()+cfg.GracePeriod.Std())
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func buildRecorder(cfg config.Config, logger *zap.Logger) stats.Recorder {
	if cfg.RedisAddr == "" {
		return stats.NewMemoryStore()
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	logger.Info("redis stats enabled", zap.String("addr", cfg.RedisAddr))
	return stats.NewRedisStore(rdb)
}
