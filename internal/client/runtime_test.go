package client

import (
	"context"
	"testing"
	"time"

	"github.com/zhou19830318/xiaozhi/internal/config"
	"github.com/zhou19830318/xiaozhi/internal/journal"
	"github.com/zhou19830318/xiaozhi/internal/session"
)

func testConfig() config.Config {
	return config.Config{
		WSURL:               "ws://example.invalid/xiaozhi/v1/",
		AccessToken:         "tok",
		DeviceID:            "aa:bb:cc:dd:ee:ff",
		ClientID:            "client-rt",
		ProtocolVersion:     "1",
		Mode:                config.ModeAuto,
		AudioFormat:         config.FormatPCM,
		SampleRate:          16000,
		Channels:            1,
		FrameSamples:        960,
		IdleDrainInterval:   time.Millisecond,
		DeviceErrorBackoff:  time.Millisecond,
		ButtonQueueCapacity: 4,
		RetryMax:            3,
		RetryDelay:          time.Millisecond,
		PollInterval:        time.Hour,
		ReceiveWait:         5 * time.Millisecond,
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(testConfig(), Deps{}); err == nil {
		t.Fatal("expected error without dialer")
	}
	if _, err := New(testConfig(), Deps{Dialer: newFakeDialer(0)}); err == nil {
		t.Fatal("expected error without devices")
	}
	if _, err := New(testConfig(), Deps{Dialer: newFakeDialer(0), Capture: &fakeCapture{}, Playback: &fakePlayback{}}); err == nil {
		t.Fatal("expected error without metrics")
	}
}

func TestRuntimeConversationRoundTrip(t *testing.T) {
	dialer := newFakeDialer(0)
	capture := &fakeCapture{}
	playback := &fakePlayback{}
	store := journal.NewInMemoryStore(64)
	recorder := journal.NewRecorder(store, 64, testLogger())
	defer recorder.Close(time.Second)

	rt, err := New(testConfig(), Deps{
		Dialer:   dialer,
		Capture:  capture,
		Playback: playback,
		Metrics:  testMetrics(),
		Journal:  recorder,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if rt.Ready() {
		t.Fatal("runtime should not be ready before connecting")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	conn := dialer.waitConn(t)
	conn.pushText(`{"type":"hello","transport":"websocket","session_id":"s-rt","audio_params":{"format":"pcm","sample_rate":16000}}`)
	eventually(t, "auto listen", func() bool { return rt.Status().Session.Listen == session.ListenListening })
	eventually(t, "uplink audio", func() bool { return conn.binaryCount() > 0 })

	conn.pushText(`{"type":"tts","state":"start"}`)
	conn.pushBinary(make([]byte, 320))
	conn.pushText(`{"type":"tts","state":"sentence_start","text":"hello there"}`)
	eventually(t, "speaking", func() bool { return rt.Status().Session.Synthesis == session.SynthesisSpeaking })
	eventually(t, "playback", func() bool { return playback.count() == 1 })

	// A press while speaking interrupts.
	if !rt.Edge(true) {
		t.Fatal("press edge was not queued")
	}
	eventually(t, "abort", func() bool { return len(conn.sentOfType(t, "abort")) == 1 })
	rt.Edge(false)

	conn.pushText(`{"type":"tts","state":"stop"}`)
	eventually(t, "second listen", func() bool { return len(conn.sentOfType(t, "listen")) == 2 })

	status := rt.Status()
	if status.Phase != PhaseConnected || status.Session.SessionID != "s-rt" || status.ClientID != "client-rt" {
		t.Fatalf("unexpected status: %+v", status)
	}
	if !rt.Ready() {
		t.Fatal("runtime should be ready after connecting")
	}

	// The server ends the session; the connection stays up.
	conn.pushText(`{"type":"goodbye","session_id":"s-rt"}`)
	eventually(t, "session cleared", func() bool { return rt.Status().Session.SessionID == "" })
	if snap := rt.Status().Session; !snap.Connected || !conn.Alive() {
		t.Fatalf("goodbye must not close the connection: %+v", snap)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not stop")
	}
	if !capture.closed.Load() || !playback.closed.Load() {
		t.Fatal("devices should be closed when Run returns")
	}
	if conn.Alive() {
		t.Fatal("connection should be closed when Run returns")
	}

	recorder.Close(time.Second)
	events, err := store.Recent(context.Background(), 64)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	kinds := map[journal.Kind]bool{}
	for _, e := range events {
		kinds[e.Kind] = true
	}
	for _, k := range []journal.Kind{journal.KindConnected, journal.KindHandshake, journal.KindAbort, journal.KindGoodbye, journal.KindDisconnected} {
		if !kinds[k] {
			t.Fatalf("journal missing %q: %v", k, events)
		}
	}
}

func TestRuntimeStalledPlaybackDoesNotBlock(t *testing.T) {
	dialer := newFakeDialer(0)
	capture := &fakeCapture{}
	playback := newStalledPlayback()

	rt, err := New(testConfig(), Deps{
		Dialer:   dialer,
		Capture:  capture,
		Playback: playback,
		Metrics:  testMetrics(),
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	conn := dialer.waitConn(t)
	conn.pushText(`{"type":"hello","session_id":"s-stall"}`)
	conn.pushText(`{"type":"tts","state":"start"}`)
	conn.pushBinary(make([]byte, 1920))
	select {
	case <-playback.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("downlink frame never reached the playback device")
	}
	conn.pushText(`{"type":"tts","state":"stop"}`)
	eventually(t, "tts stop applied", func() bool { return rt.Status().Session.Synthesis == session.SynthesisStopped })

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return with a stalled playback device")
	}
	if !playback.closed.Load() || !capture.closed.Load() {
		t.Fatal("both devices should be closed when Run returns")
	}
}

func TestRuntimeManualModeButtonFlow(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = config.ModeManual
	dialer := newFakeDialer(0)

	rt, err := New(cfg, Deps{
		Dialer:   dialer,
		Capture:  &fakeCapture{},
		Playback: &fakePlayback{},
		Metrics:  testMetrics(),
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = rt.Run(ctx) }()

	conn := dialer.waitConn(t)
	conn.pushText(`{"type":"hello","session_id":"s-man"}`)
	eventually(t, "session id", func() bool { return rt.Status().Session.SessionID == "s-man" })
	if rt.Status().Session.Listen != session.ListenStopped {
		t.Fatal("manual mode must not auto listen")
	}

	rt.Edge(true)
	eventually(t, "manual listening", func() bool { return rt.Status().Session.Listen == session.ListenListening })
	if rt.Status().Button != "pressed" {
		t.Fatalf("button = %q, want pressed", rt.Status().Button)
	}
	rt.Edge(false)
	eventually(t, "manual stopped", func() bool { return rt.Status().Session.Listen == session.ListenStopped })
}
