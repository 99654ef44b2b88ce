package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhou19830318/xiaozhi/internal/client"
	"github.com/zhou19830318/xiaozhi/internal/config"
	"github.com/zhou19830318/xiaozhi/internal/httpapi"
	"github.com/zhou19830318/xiaozhi/internal/journal"
	"github.com/zhou19830318/xiaozhi/internal/logging"
	"github.com/zhou19830318/xiaozhi/internal/observability"
	"github.com/zhou19830318/xiaozhi/internal/transport"
)

type AudioInfo struct {
	Backend string
	Detail  string
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Runtime  *client.Runtime
	Journal  journal.Store
	Recorder *journal.Recorder
	Metrics  *observability.Metrics
	Audio    AudioInfo

	// Cleanup should be called after the runtime stopped; it drains the
	// journal and closes its store.
	Cleanup func() error
}

// Options overrides collaborators that are normally derived from cfg.
type Options struct {
	Dialer  transport.Dialer
	Metrics *observability.Metrics
}

func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger, opts Options) (*BuildResult, error) {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}

	store, err := journal.NewStore(ctx, journal.Options{
		DatabaseURL:   cfg.DatabaseURL,
		RedisURL:      cfg.RedisURL,
		RedisPassword: cfg.RedisPassword,
		MemoryLimit:   cfg.JournalBuffer * 4,
	})
	if err != nil {
		return nil, fmt.Errorf("journal store init failed: %w", err)
	}
	recorder := journal.NewRecorder(store, cfg.JournalBuffer, logging.Component(logger, "journal"))

	closeJournal := func() error {
		recorder.Close(time.Second)
		if n := recorder.Dropped(); n > 0 {
			logger.Warn().Int64("dropped", n).Msg("journal events dropped")
		}
		return store.Close()
	}

	audioSetup, err := resolveAudioDevices(cfg)
	if err != nil {
		_ = closeJournal()
		return nil, err
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = transport.WebsocketDialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}

	rt, err := client.New(cfg, client.Deps{
		Dialer:   dialer,
		Capture:  audioSetup.capture,
		Playback: audioSetup.playback,
		Metrics:  metrics,
		Journal:  recorder,
		Logger:   logger,
	})
	if err != nil {
		_ = audioSetup.capture.Close()
		_ = audioSetup.playback.Close()
		_ = closeJournal()
		return nil, fmt.Errorf("runtime init failed: %w", err)
	}

	api := httpapi.New(rt, store, metrics, logging.Component(logger, "httpapi"))

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Runtime:  rt,
		Journal:  store,
		Recorder: recorder,
		Metrics:  metrics,
		Audio: AudioInfo{
			Backend: audioSetup.backend,
			Detail:  audioSetup.detail,
		},
		Cleanup: closeJournal,
	}, nil
}
