package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/book-expert/logger"
	"github.com/book-expert/voice-reply-service/internal/config"
	"github.com/book-expert/voice-reply-service/internal/core"
	"github.com/book-expert/voice-reply-service/internal/ingress"
	"github.com/book-expert/voice-reply-service/internal/metrics"
	"github.com/book-expert/voice-reply-service/internal/objectstore"
	"github.com/book-expert/voice-reply-service/internal/pipeline"
	"github.com/book-expert/voice-reply-service/internal/provider"
	"github.com/book-expert/voice-reply-service/internal/reaper"
	"github.com/book-expert/voice-reply-service/internal/secrets"
	"github.com/book-expert/voice-reply-service/internal/store"
	"github.com/book-expert/voice-reply-service/internal/worker"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	natsClientName     = "voice-reply-service"
	healthCheckTimeout = 10 * time.Second
	setupTimeout       = 30 * time.Second
)

// app owns every long-lived component of the service.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	store    *store.Store
	nc       *nats.Conn
	inline   *worker.InlineScheduler
	consumer *worker.Consumer
	reaper   *reaper.Reaper
	server   *http.Server
}

func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	built, err := a.build(ctx)
	if err != nil {
		a.close()

		return nil, err
	}

	return built, nil
}

func (a *app) build(ctx context.Context) (*app, error) {
	setupCtx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()

	var js jetstream.JetStream

	if a.cfg.Scheduler.Kind == config.SchedulerNATS || a.cfg.Storage.AudioBackend == config.AudioBackendNATS {
		nc, err := nats.Connect(a.cfg.NATS.URL, nats.Name(natsClientName))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", a.cfg.NATS.URL, err)
		}

		a.nc = nc

		js, err = jetstream.New(nc)
		if err != nil {
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}
	}

	audioStore, err := newAudioStore(setupCtx, a.cfg.Storage, js)
	if err != nil {
		return nil, err
	}

	a.store, err = store.Open(a.cfg.Storage.DatabasePath, a.log)
	if err != nil {
		return nil, err
	}

	keys, err := newKeySource(setupCtx, a.cfg.Secrets)
	if err != nil {
		return nil, err
	}

	providers, err := provider.New(a.cfg.Providers, audioStore, keys, a.log)
	if err != nil {
		return nil, err
	}

	if providers.TTS != nil {
		a.checkTTS(setupCtx, providers)
	}

	sink := metrics.New()

	orchestrator, err := pipeline.New(pipeline.Deps{
		Store:       a.store,
		Audio:       audioStore,
		Transcriber: providers.Transcriber,
		Generator:   providers.Generator,
		Speaker:     providers.Speaker,
		Observer:    sink,
		Log:         a.log,
	}, pipeline.Options{
		PublicAudioPrefix: a.cfg.Server.PublicAudioPrefix,
		DefaultVoice:      a.cfg.Providers.DefaultVoice,
		STTTimeout:        a.cfg.Providers.STTTimeout(),
		LLMTimeout:        a.cfg.Providers.LLMTimeout(),
		TTSTimeout:        a.cfg.Providers.TTSTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	scheduler, err := a.newScheduler(ctx, setupCtx, js, orchestrator)
	if err != nil {
		return nil, err
	}

	if a.cfg.Reaper.Enabled {
		a.reaper, err = reaper.New(a.store, a.cfg.Reaper.Schedule, a.cfg.Reaper.StaleAfter(), sink, a.log)
		if err != nil {
			return nil, err
		}

		a.reaper.EnableRedrive(a.store, scheduler, a.cfg.Reaper.RedriveAfter())
	}

	svc := ingress.NewService(ingress.Deps{
		Store:     a.store,
		Audio:     audioStore,
		Scheduler: scheduler,
		Cloner:    providers.Cloner,
		Recorder:  sink,
		Log:       a.log,
	}, ingress.Options{
		PublicAudioPrefix: a.cfg.Server.PublicAudioPrefix,
		DailyVoiceLimit:   a.cfg.Limits.DailyLimit(),
		MaxAudioDuration:  a.cfg.Limits.MaxAudioDuration(),
		MaxUploadBytes:    a.cfg.Limits.MaxUploadBytes(),
		UploadsPerSecond:  a.cfg.Limits.UploadsPerSecond,
		UploadBurst:       a.cfg.Limits.UploadBurst,
		CloneTimeout:      a.cfg.Providers.CloneTimeout(),
	})

	a.server = &http.Server{
		Addr:              a.cfg.Server.Address,
		Handler:           ingress.NewRouter(svc, audioStore, sink.Handler(), a.log),
		ReadTimeout:       a.cfg.Server.ReadTimeout(),
		ReadHeaderTimeout: a.cfg.Server.ReadTimeout(),
		WriteTimeout:      a.cfg.Server.WriteTimeout(),
	}

	return a, nil
}

func newAudioStore(ctx context.Context, cfg config.StorageConfig, js jetstream.JetStream) (core.AudioStore, error) {
	if cfg.AudioBackend == config.AudioBackendNATS {
		return objectstore.NewNatsObjectStore(ctx, js, cfg.AudioBucket)
	}

	return objectstore.NewFileStore(cfg.AudioDir)
}

func newKeySource(ctx context.Context, cfg config.SecretsConfig) (secrets.KeySource, error) {
	if cfg.Source != config.SecretsSSM {
		return secrets.EnvKey(cfg.EnvVar), nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	params, err := secrets.NewParamStore(ssm.NewFromConfig(awsCfg, func(o *ssm.Options) {
		o.RetryMaxAttempts = 3
		o.RetryMode = aws.RetryModeStandard
	}))
	if err != nil {
		return nil, err
	}

	return secrets.NewParamKey(params, cfg.SSMParameter), nil
}

// checkTTS logs whether the speech service answers; synthesis failures are
// recoverable so an unhealthy service does not stop startup.
func (a *app) checkTTS(ctx context.Context, providers *provider.Set) {
	healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	err := providers.TTS.HealthCheck(healthCtx)
	if err != nil {
		a.log.Warn("TTS service at %s is not healthy, replies will use placeholder audio: %v",
			a.cfg.Providers.TTSBaseURL, err)

		return
	}

	a.log.Info("TTS service at %s is healthy", a.cfg.Providers.TTSBaseURL)
}

func (a *app) newScheduler(
	ctx, setupCtx context.Context,
	js jetstream.JetStream,
	runner worker.Runner,
) (core.Scheduler, error) {
	if a.cfg.Scheduler.Kind == config.SchedulerInline {
		a.inline = worker.NewInlineScheduler(ctx, runner, a.cfg.Scheduler.Workers, a.log)

		return a.inline, nil
	}

	_, err := worker.EnsureStream(setupCtx, js, worker.StreamConfig{
		Name:    a.cfg.NATS.StreamName,
		Subject: a.cfg.NATS.Subject,
	})
	if err != nil {
		return nil, err
	}

	a.consumer, err = worker.NewConsumer(setupCtx, js, worker.ConsumerConfig{
		Stream:     a.cfg.NATS.StreamName,
		Subject:    a.cfg.NATS.Subject,
		Durable:    a.cfg.NATS.ConsumerName,
		AckWait:    a.cfg.NATS.AckWait(),
		MaxDeliver: a.cfg.NATS.MaxDeliver,
		Workers:    a.cfg.Scheduler.Workers,
	}, runner, a.log)
	if err != nil {
		return nil, err
	}

	return worker.NewQueueScheduler(js, a.cfg.NATS.Subject, a.cfg.Scheduler.PublishRetries, a.log), nil
}

// serve runs the HTTP server and background workers until ctx is cancelled.
func (a *app) serve(ctx context.Context) error {
	var wg sync.WaitGroup

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	if a.consumer != nil {
		wg.Add(1)

		go func() {
			defer wg.Done()

			runErr := a.consumer.Run(workerCtx)
			if runErr != nil {
				a.log.Error("Queue consumer stopped: %v", runErr)
			}
		}()
	}

	if a.reaper != nil {
		wg.Add(1)

		go func() {
			defer wg.Done()

			a.reaper.Run(workerCtx)
		}()
	}

	serverErr := make(chan error, 1)

	go func() {
		serverErr <- a.server.ListenAndServe()
	}()

	var result error

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			result = fmt.Errorf("http server failed: %w", err)
		}
	case <-ctx.Done():
		a.log.System("Shutdown signal received, draining")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout())
	defer cancel()

	shutdownErr := a.server.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		a.log.Error("HTTP shutdown: %v", shutdownErr)
	}

	stopWorkers()
	wg.Wait()

	if a.inline != nil {
		closeErr := a.inline.Close(shutdownCtx)
		if closeErr != nil {
			a.log.Warn("In-flight runs did not finish before shutdown: %v", closeErr)
		}
	}

	return result
}

func (a *app) close() {
	if a.store != nil {
		closeErr := a.store.Close()
		if closeErr != nil {
			a.log.Error("Failed to close database: %v", closeErr)
		}
	}

	if a.nc != nil {
		drainErr := a.nc.Drain()
		if drainErr != nil {
			a.log.Warn("Failed to drain NATS connection: %v", drainErr)
		}
	}
}
