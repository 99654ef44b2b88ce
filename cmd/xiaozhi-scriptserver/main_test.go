package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhou19830318/xiaozhi/internal/audio"
)

func testOptions(t *testing.T, args ...string) options {
	t.Helper()
	cfg, err := parseFlags(args)
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	return cfg
}

func dialPeer(t *testing.T, cfg options) *websocket.Conn {
	t.Helper()
	pcm := tonePCM(cfg.sampleRate, 440, 150*time.Millisecond)
	ts := httptest.NewServer(newScriptServer(cfg, pcm, zerolog.Nop()))
	t.Cleanup(ts.Close)

	header := http.Header{}
	header.Set("Authorization", "Bearer test-token")
	header.Set("Device-Id", "aa:bb:cc:dd:ee:ff")
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
}

// nextText skips binary frames and returns the next decoded text message,
// together with how many binary frames were skipped.
func nextText(t *testing.T, conn *websocket.Conn) (map[string]any, int) {
	t.Helper()
	skipped := 0
	for {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		if mt == websocket.BinaryMessage {
			skipped++
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("json.Unmarshal(%s) error = %v", data, err)
		}
		return m, skipped
	}
}

func TestParseFlagsDefaultsAndValidation(t *testing.T) {
	cfg := testOptions(t)
	if cfg.path != "/xiaozhi/v1/" || cfg.frameMS != 60 || len(cfg.sentences) != 2 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	cfg = testOptions(t, "-sentences", " one | | two ", "-path", "ws")
	if len(cfg.sentences) != 2 || cfg.sentences[1] != "two" || cfg.path != "/ws" {
		t.Fatalf("unexpected parsed options: %+v", cfg)
	}

	for _, args := range [][]string{
		{"-frame-ms", "5"},
		{"-realtime", "0"},
		{"-sentences", "|"},
	} {
		if _, err := parseFlags(args); err == nil {
			t.Fatalf("parseFlags(%v) expected error", args)
		}
	}
}

func TestScriptedTurn(t *testing.T) {
	cfg := testOptions(t, "-listen-frames", "2", "-realtime", "20", "-goodbye-after", "1")
	conn := dialPeer(t, cfg)

	writeJSON(t, conn, map[string]any{"type": "hello", "version": 1, "transport": "websocket"})
	ack, _ := nextText(t, conn)
	sessionID, _ := ack["session_id"].(string)
	if ack["type"] != "hello" || sessionID == "" {
		t.Fatalf("unexpected hello ack: %v", ack)
	}
	params, _ := ack["audio_params"].(map[string]any)
	if params["format"] != "pcm" || params["frame_duration"] != float64(60) {
		t.Fatalf("unexpected audio_params: %v", params)
	}

	writeJSON(t, conn, map[string]any{"type": "listen", "session_id": sessionID, "state": "start", "mode": "auto"})
	writeJSON(t, conn, map[string]any{"type": "ping"})
	frame := make([]byte, 1920)
	for i := 0; i < 2; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			t.Fatalf("WriteMessage() error = %v", err)
		}
	}

	want := []struct {
		typ   string
		state string
	}{
		{"tts", "start"},
		{"llm", ""},
		{"tts", "sentence_start"},
		{"tts", "sentence_end"},
		{"tts", "stop"},
		{"goodbye", ""},
	}
	audioFrames := 0
	for _, w := range want {
		msg, skipped := nextText(t, conn)
		audioFrames += skipped
		if msg["type"] != w.typ {
			t.Fatalf("message type = %v, want %s (%v)", msg["type"], w.typ, msg)
		}
		if w.state != "" && msg["state"] != w.state {
			t.Fatalf("tts state = %v, want %s", msg["state"], w.state)
		}
	}
	// 150ms of tone at 60ms frames.
	if audioFrames != 3 {
		t.Fatalf("audio frames = %d, want 3", audioFrames)
	}
}

func TestListenStopTriggersReply(t *testing.T) {
	cfg := testOptions(t, "-listen-frames", "100", "-realtime", "20", "-emotion", "")
	conn := dialPeer(t, cfg)

	writeJSON(t, conn, map[string]any{"type": "hello"})
	ack, _ := nextText(t, conn)
	writeJSON(t, conn, map[string]any{"type": "listen", "session_id": ack["session_id"], "state": "start", "mode": "manual"})
	writeJSON(t, conn, map[string]any{"type": "listen", "session_id": ack["session_id"], "state": "stop"})

	msg, _ := nextText(t, conn)
	if msg["type"] != "tts" || msg["state"] != "start" {
		t.Fatalf("first reply message = %v, want tts start", msg)
	}
	msg, _ = nextText(t, conn)
	if msg["type"] != "tts" || msg["state"] != "sentence_start" {
		t.Fatalf("second reply message = %v, want sentence_start without llm", msg)
	}
}

func TestAbortStopsReply(t *testing.T) {
	cfg := testOptions(t, "-listen-frames", "1", "-realtime", "0.01")
	conn := dialPeer(t, cfg)

	writeJSON(t, conn, map[string]any{"type": "hello"})
	ack, _ := nextText(t, conn)
	writeJSON(t, conn, map[string]any{"type": "listen", "session_id": ack["session_id"], "state": "start", "mode": "auto"})
	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 1920)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	if msg, _ := nextText(t, conn); msg["state"] != "start" {
		t.Fatalf("expected tts start, got %v", msg)
	}
	writeJSON(t, conn, map[string]any{"type": "abort"})

	for {
		msg, _ := nextText(t, conn)
		if msg["type"] == "tts" && msg["state"] == "stop" {
			return
		}
		if msg["type"] == "tts" && msg["state"] == "sentence_end" {
			t.Fatalf("reply finished instead of being aborted")
		}
	}
}

func TestRecordsUplinkTurn(t *testing.T) {
	dir := t.TempDir()
	cfg := testOptions(t, "-listen-frames", "2", "-realtime", "20", "-record-dir", dir)
	conn := dialPeer(t, cfg)

	writeJSON(t, conn, map[string]any{"type": "hello"})
	ack, _ := nextText(t, conn)
	sessionID, _ := ack["session_id"].(string)
	writeJSON(t, conn, map[string]any{"type": "listen", "session_id": sessionID, "state": "start", "mode": "auto"})
	for i := 0; i < 2; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 1920)); err != nil {
			t.Fatalf("WriteMessage() error = %v", err)
		}
	}
	if msg, _ := nextText(t, conn); msg["state"] != "start" {
		t.Fatalf("expected tts start, got %v", msg)
	}

	pcm, rate, err := audio.ReadWAVPCM16File(filepath.Join(dir, sessionID+"-turn1.wav"))
	if err != nil {
		t.Fatalf("ReadWAVPCM16File() error = %v", err)
	}
	if rate != 16000 || len(pcm) != 2*1920 {
		t.Fatalf("recorded rate=%d bytes=%d, want 16000 and %d", rate, len(pcm), 2*1920)
	}
}

func TestRejectsMissingBearer(t *testing.T) {
	cfg := testOptions(t)
	ts := httptest.NewServer(newScriptServer(cfg, nil, zerolog.Nop()))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	_, res, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail without Authorization")
	}
	if res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %v, want %d", res, http.StatusUnauthorized)
	}
}

func TestTonePCMLength(t *testing.T) {
	pcm := tonePCM(16000, 440, 60*time.Millisecond)
	if len(pcm) != 1920 {
		t.Fatalf("len(pcm) = %d, want 1920", len(pcm))
	}
}
