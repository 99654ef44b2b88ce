package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/zhou19830318/xiaozhi/internal/config"
	"github.com/zhou19830318/xiaozhi/internal/observability"
	"github.com/zhou19830318/xiaozhi/internal/transport"
)

type refusingDialer struct{}

func (refusingDialer) Dial(context.Context, string, http.Header) (transport.Conn, error) {
	return nil, errors.New("connection refused")
}

func headlessConfig() config.Config {
	return config.Config{
		WSURL:               "ws://127.0.0.1:1/xiaozhi/v1/",
		Mode:                config.ModeAuto,
		AudioFormat:         config.FormatPCM,
		AudioBackend:        config.BackendNull,
		SampleRate:          16000,
		Channels:            1,
		FrameSamples:        960,
		IdleDrainInterval:   time.Millisecond,
		DeviceErrorBackoff:  time.Millisecond,
		ButtonQueueCapacity: 4,
		RetryMax:            1,
		RetryDelay:          time.Millisecond,
		PollInterval:        time.Hour,
		ReceiveWait:         10 * time.Millisecond,
		JournalBuffer:       16,
	}
}

func TestBuildHeadless(t *testing.T) {
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test_app")
	built, err := Build(context.Background(), headlessConfig(), zerolog.Nop(), Options{
		Dialer:  refusingDialer{},
		Metrics: metrics,
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if built.Audio.Backend != config.BackendNull {
		t.Fatalf("audio backend = %q, want %q", built.Audio.Backend, config.BackendNull)
	}
	if got := built.Journal.Mode(); got != "in-memory" {
		t.Fatalf("journal mode = %q, want in-memory", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = built.Runtime.Run(ctx)
	}()

	ts := httptest.NewServer(built.API.Router())
	defer ts.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		events, err := built.Journal.Recent(context.Background(), 10)
		if err != nil {
			t.Fatalf("Recent() error = %v", err)
		}
		if len(events) > 0 {
			if events[0].Kind != "reconnect_exhausted" {
				t.Fatalf("first event = %q, want reconnect_exhausted", events[0].Kind)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for reconnect_exhausted event")
		}
		time.Sleep(10 * time.Millisecond)
	}

	res, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}

	cancel()
	<-done
	if err := built.Cleanup(); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
}

func TestBuildRejectsUnknownBackend(t *testing.T) {
	cfg := headlessConfig()
	cfg.AudioBackend = "alsa"
	_, err := Build(context.Background(), cfg, zerolog.Nop(), Options{
		Dialer:  refusingDialer{},
		Metrics: observability.NewMetricsWith(prometheus.NewRegistry(), "test_app_bad"),
	})
	if err == nil {
		t.Fatal("expected error for unknown audio backend")
	}
}
