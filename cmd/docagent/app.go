package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/martinemde/docagent/agentloop"
	"github.com/martinemde/docagent/checkpoint"
	"github.com/martinemde/docagent/config"
	"github.com/martinemde/docagent/sandbox"
	"github.com/martinemde/docagent/skills"
	"github.com/martinemde/docagent/storage"
	"github.com/martinemde/docagent/tracing"
	"github.com/martinemde/docagent/unifiedllm"
)

// app holds everything a running agent needs, in shutdown order.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	agent    *agentloop.Agent
	client   *unifiedllm.Client
	catalog  *skills.Catalog
	watcher  *skills.Watcher
	store    checkpoint.Store
	shutdown tracing.ShutdownFunc
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	a.shutdown, err = tracing.Setup(ctx, tracing.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     Version,
		Headers:     cfg.Telemetry.Headers,
	}, logger)
	if err != nil {
		return nil, err
	}

	a.client, err = newLLMClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	volume, err := newVolume(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	shell, err := sandbox.NewShell(sandbox.ShellOptions{
		DefaultTimeout: cfg.BashTimeout(),
		MaxTimeout:     cfg.BashMaxTimeout(),
		TailBytes:      cfg.Sandbox.TailBytes,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	workdirs := sandbox.NewWorkdirs(cfg.Sandbox.WorkdirBase)

	a.catalog = skills.NewCatalog(cfg.Skills.Dir, logger)
	registry := agentloop.NewToolRegistry(logger)
	agentloop.RegisterCoreTools(registry, &agentloop.Toolbox{
		Skills:       a.catalog,
		Volume:       volume,
		Code:         sandbox.NewCodeRunner(cfg.Sandbox.TailBytes, logger),
		Shell:        shell,
		Workdirs:     workdirs,
		PreviewChars: cfg.Agent.PreviewChars,
	})

	locks := agentloop.NewThreadLocks()
	a.store, err = checkpoint.Open(ctx, checkpoint.Options{
		Backend:  cfg.Checkpoint.Backend,
		DSN:      cfg.Checkpoint.DSN,
		Capacity: cfg.Checkpoint.Capacity,
		TTLSecs:  cfg.Checkpoint.TTLSecs,
		OnEvict:  agentloop.WorkdirCleanup(workdirs, locks, logger),
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	loopCfg := agentloop.Config{
		MaxIterations:       cfg.Agent.MaxIterations,
		SessionID:           cfg.Agent.SessionID,
		ParallelTools:       cfg.Agent.ParallelTools,
		LoopDetectionWindow: cfg.Agent.LoopWindow,
	}
	if cfg.LLM.Temperature != 0 {
		t := cfg.LLM.Temperature
		loopCfg.Temperature = &t
	}
	if cfg.LLM.MaxTokens > 0 {
		n := cfg.LLM.MaxTokens
		loopCfg.MaxTokens = &n
	}

	a.agent, err = agentloop.NewAgent(agentloop.AgentOptions{
		Client:       a.client,
		Profile:      agentloop.NewDocumentProfile(cfg.LLM.Provider, cfg.LLM.Model, registry),
		Checkpointer: agentloop.NewCheckpointer(a.store),
		Volume:       volume,
		Skills:       a.catalog,
		Config:       loopCfg,
		Logger:       logger,
		Locks:        locks,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func newLLMClient(cfg *config.Config, logger *slog.Logger) (*unifiedllm.Client, error) {
	opts := []unifiedllm.GollmAdapterOption{unifiedllm.WithModel(cfg.LLM.Model)}
	if cfg.LLM.MaxTokens > 0 {
		opts = append(opts, unifiedllm.WithMaxTokens(cfg.LLM.MaxTokens))
	}
	if cfg.LLM.Temperature != 0 {
		opts = append(opts, unifiedllm.WithTemperature(cfg.LLM.Temperature))
	}
	adapter, err := unifiedllm.NewGollmAdapter(cfg.LLM.Provider, cfg.LLM.APIKey, opts...)
	if err != nil {
		return nil, err
	}

	policy := unifiedllm.DefaultRetryPolicy()
	policy.MaxRetries = cfg.LLM.MaxRetries
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		logger.Warn("llm call retry", "attempt", attempt, "delay", delay, "error", err)
	}
	timeout := cfg.LLMTimeout()
	return unifiedllm.NewClient(
		unifiedllm.WithProvider(cfg.LLM.Provider, adapter),
		unifiedllm.WithDefaultProvider(cfg.LLM.Provider),
		unifiedllm.WithMiddleware(
			unifiedllm.LoggingMiddleware(logger),
			unifiedllm.RetryMiddleware(policy),
			unifiedllm.TimeoutMiddleware(timeout),
		),
		unifiedllm.WithStreamMiddleware(
			unifiedllm.StreamRetryMiddleware(policy),
			unifiedllm.StreamTimeoutMiddleware(timeout),
		),
	), nil
}

func newVolume(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage.Volume, error) {
	var remote storage.Backend
	if s3cfg := cfg.Storage.S3; s3cfg.Bucket != "" {
		b, err := storage.NewS3Backend(ctx, storage.S3Options{
			Bucket:          s3cfg.Bucket,
			Prefix:          s3cfg.Prefix,
			Region:          s3cfg.Region,
			Endpoint:        s3cfg.Endpoint,
			AccessKeyID:     s3cfg.AccessKeyID,
			SecretAccessKey: s3cfg.SecretAccessKey,
			Root:            cfg.Storage.VolumePath,
		})
		if err != nil {
			return nil, fmt.Errorf("remote storage: %w", err)
		}
		remote = b
	}
	return storage.NewVolume(storage.VolumeOptions{
		Root:     cfg.Storage.VolumePath,
		LocalDir: cfg.Storage.LocalOutputDir,
		Mode:     storage.ParseOutputMode(cfg.Storage.OutputMode),
		Remote:   remote,
		Logger:   logger,
	})
}

// startWatcher begins hot reloading of the skill catalog when enabled.
func (a *app) startWatcher(ctx context.Context) error {
	if !a.cfg.Skills.Watch {
		return nil
	}
	w, err := skills.NewWatcher(a.catalog)
	if err != nil {
		return fmt.Errorf("skills watcher: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("skills watcher: %w", err)
	}
	a.watcher = w
	return nil
}

// Close releases resources. It is safe on a partially built app.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.client != nil {
		errs = append(errs, a.client.Close())
	}
	if a.shutdown != nil {
		errs = append(errs, a.shutdown(ctx))
	}
	return errors.Join(errs...)
}
