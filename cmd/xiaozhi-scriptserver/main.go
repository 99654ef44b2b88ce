package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhou19830318/xiaozhi/internal/audio"
	"github.com/zhou19830318/xiaozhi/internal/logging"
	"github.com/zhou19830318/xiaozhi/internal/protocol"
)

type options struct {
	addr          string
	path          string
	wavPath       string
	sampleRate    int
	frameMS       int
	listenFrames  int
	listenTimeout time.Duration
	realtime      float64
	goodbyeAfter  int
	emotion       string
	sentences     []string
	recordDir     string
	logLevel      string
}

type clientEnvelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

var defaultSentences = []string{
	"Hello, this is the scripted peer.",
	"Your audio arrived, here is a reply.",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "xiaozhi-scriptserver: %v\n", err)
		os.Exit(2)
	}
	logger := logging.New(cfg.logLevel, "console", os.Stderr)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("scriptserver failed")
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var sentencesRaw string
	var listenTimeoutMS int

	fs := flag.NewFlagSet("xiaozhi-scriptserver", flag.ContinueOnError)
	fs.StringVar(&cfg.addr, "addr", "127.0.0.1:8000", "listen address")
	fs.StringVar(&cfg.path, "path", "/xiaozhi/v1/", "websocket path")
	fs.StringVar(&cfg.wavPath, "wav", "", "16-bit PCM WAV replayed as the reply (default: generated tone)")
	fs.IntVar(&cfg.sampleRate, "sample-rate", 16000, "sample rate of the generated tone and the hello ack")
	fs.IntVar(&cfg.frameMS, "frame-ms", 60, "downlink frame duration in milliseconds")
	fs.IntVar(&cfg.listenFrames, "listen-frames", 25, "uplink frames that complete a turn")
	fs.IntVar(&listenTimeoutMS, "listen-timeout-ms", 4000, "turn completes after this long even without audio")
	fs.Float64Var(&cfg.realtime, "realtime", 1.0, "downlink pacing multiplier (1.0=realtime)")
	fs.IntVar(&cfg.goodbyeAfter, "goodbye-after", 0, "send goodbye after this many turns (0=never)")
	fs.StringVar(&cfg.emotion, "emotion", "happy", "llm emotion sent with each reply (empty disables)")
	fs.StringVar(&sentencesRaw, "sentences", "", "reply sentences separated by '|' (optional)")
	fs.StringVar(&cfg.recordDir, "record-dir", "", "write each turn's uplink PCM as a WAV file into this directory")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "log level")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if cfg.frameMS < 10 || cfg.frameMS > 2000 {
		return options{}, fmt.Errorf("frame-ms must be in [10,2000]")
	}
	if cfg.sampleRate <= 0 {
		return options{}, fmt.Errorf("sample-rate must be > 0")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if cfg.listenFrames <= 0 {
		cfg.listenFrames = 1
	}
	if listenTimeoutMS < 100 {
		listenTimeoutMS = 100
	}
	cfg.listenTimeout = time.Duration(listenTimeoutMS) * time.Millisecond
	if !strings.HasPrefix(cfg.path, "/") {
		cfg.path = "/" + cfg.path
	}

	if strings.TrimSpace(sentencesRaw) == "" {
		cfg.sentences = append([]string(nil), defaultSentences...)
	} else {
		for _, part := range strings.Split(sentencesRaw, "|") {
			if s := strings.TrimSpace(part); s != "" {
				cfg.sentences = append(cfg.sentences, s)
			}
		}
		if len(cfg.sentences) == 0 {
			return options{}, fmt.Errorf("sentences produced no non-empty entries")
		}
	}
	return cfg, nil
}

func run(cfg options, logger zerolog.Logger) error {
	pcm, sampleRate, err := loadReply(cfg)
	if err != nil {
		return fmt.Errorf("prepare reply audio: %w", err)
	}
	cfg.sampleRate = sampleRate
	srv := newScriptServer(cfg, pcm, logger)

	mux := http.NewServeMux()
	mux.Handle(cfg.path, srv)
	httpServer := &http.Server{Addr: cfg.addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.addr).Str("path", cfg.path).Int("reply_bytes", len(pcm)).Msg("scriptserver listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-sigCh:
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

// loadReply returns the PCM replayed for every turn and its sample rate.
func loadReply(cfg options) ([]byte, int, error) {
	if strings.TrimSpace(cfg.wavPath) == "" {
		return tonePCM(cfg.sampleRate, 440, 1200*time.Millisecond), cfg.sampleRate, nil
	}
	pcm, rate, err := audio.ReadWAVPCM16File(cfg.wavPath)
	if err != nil {
		return nil, 0, err
	}
	if len(pcm) == 0 {
		return nil, 0, fmt.Errorf("%s produced no PCM bytes", cfg.wavPath)
	}
	return pcm, rate, nil
}

// tonePCM renders a mono s16le sine tone at a quarter of full scale.
func tonePCM(sampleRate int, freq float64, d time.Duration) []byte {
	n := int(int64(sampleRate) * d.Milliseconds() / 1000)
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := 0.25 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return out
}

type scriptServer struct {
	cfg      options
	frames   [][]byte
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func newScriptServer(cfg options, pcm []byte, logger zerolog.Logger) *scriptServer {
	frameBytes := cfg.sampleRate * 2 * cfg.frameMS / 1000
	return &scriptServer{
		cfg:    cfg,
		frames: audio.SplitFrames(pcm, frameBytes),
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *scriptServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if auth := r.Header.Get("Authorization"); !strings.HasPrefix(auth, "Bearer ") {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := &peer{
		srv:  s,
		conn: conn,
		logger: s.logger.With().
			Str("device_id", r.Header.Get("Device-Id")).
			Str("client_id", r.Header.Get("Client-Id")).
			Logger(),
	}
	p.serve(r.Context())
}

type inboundFrame struct {
	messageType int
	data        []byte
}

// peer scripts one client connection.
type peer struct {
	srv    *scriptServer
	conn   *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex

	sessionID string
	listening bool
	heard     int
	uplink    []byte
	turns     int
	speakStop context.CancelFunc
	speakDone chan struct{}
}

func (p *peer) serve(ctx context.Context) {
	defer p.conn.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() { _ = p.stopSpeaking() }()

	inbound := make(chan inboundFrame, 64)
	go func() {
		defer close(inbound)
		for {
			mt, data, err := p.conn.ReadMessage()
			if err != nil {
				p.logger.Info().Err(err).Msg("client disconnected")
				return
			}
			select {
			case inbound <- inboundFrame{messageType: mt, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if p.listening {
				p.logger.Info().Int("frames", p.heard).Msg("listen timeout, replying")
				p.reply(ctx)
			}
		case f, ok := <-inbound:
			if !ok {
				return
			}
			if f.messageType == websocket.BinaryMessage {
				if !p.listening {
					continue
				}
				p.heard++
				if p.srv.cfg.recordDir != "" {
					p.uplink = append(p.uplink, f.data...)
				}
				if p.heard >= p.srv.cfg.listenFrames {
					timer.Stop()
					p.reply(ctx)
				}
				continue
			}
			if !p.handleText(ctx, f.data, timer) {
				return
			}
		}
	}
}

// handleText reacts to one control message; it reports whether the
// connection should stay open.
func (p *peer) handleText(ctx context.Context, data []byte, timer *time.Timer) bool {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		p.logger.Warn().Err(err).Msg("invalid client message")
		return true
	}
	switch protocol.MessageType(env.Type) {
	case protocol.TypeHello:
		p.sessionID = uuid.NewString()
		p.logger.Info().Str("session_id", p.sessionID).Msg("hello")
		return p.writeJSON(map[string]any{
			"type":       protocol.TypeHello,
			"transport":  "websocket",
			"session_id": p.sessionID,
			"audio_params": protocol.AudioParams{
				Format:        protocol.FormatPCM,
				SampleRate:    p.srv.cfg.sampleRate,
				Channels:      1,
				FrameDuration: p.srv.cfg.frameMS,
			},
		}) == nil
	case protocol.TypeListen:
		switch protocol.ListenState(env.State) {
		case protocol.ListenStart:
			p.listening = true
			p.heard = 0
			p.uplink = p.uplink[:0]
			timer.Reset(p.srv.cfg.listenTimeout)
			p.logger.Info().Str("mode", env.Mode).Msg("listen start")
		case protocol.ListenStop:
			timer.Stop()
			if p.listening {
				p.logger.Info().Int("frames", p.heard).Msg("listen stop, replying")
				p.reply(ctx)
			}
		}
	case protocol.TypeAbort:
		p.logger.Info().Msg("abort")
		if p.stopSpeaking() {
			return p.writeJSON(map[string]any{"type": protocol.TypeTTS, "state": protocol.TTSStop}) == nil
		}
	case protocol.TypePing:
		p.logger.Debug().Msg("ping")
	default:
		p.logger.Warn().Str("type", env.Type).Msg("unexpected client message")
	}
	return true
}

// reply ends the listening turn and streams the scripted answer in the
// background so abort can interrupt it.
func (p *peer) reply(ctx context.Context) {
	p.listening = false
	_ = p.stopSpeaking()
	p.turns++
	turn := p.turns
	p.saveUplink(turn)
	goodbye := p.srv.cfg.goodbyeAfter > 0 && turn >= p.srv.cfg.goodbyeAfter

	speakCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.speakStop, p.speakDone = cancel, done
	sessionID := p.sessionID
	go func() {
		defer close(done)
		if err := p.speak(speakCtx, turn); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn().Err(err).Int("turn", turn).Msg("reply failed")
			return
		}
		if goodbye {
			p.logger.Info().Int("turn", turn).Msg("sending goodbye")
			_ = p.writeJSON(map[string]any{"type": protocol.TypeGoodbye, "session_id": sessionID})
		}
	}()
}

// saveUplink stores the audio heard during the turn when -record-dir is set.
func (p *peer) saveUplink(turn int) {
	dir := p.srv.cfg.recordDir
	if dir == "" || len(p.uplink) == 0 {
		return
	}
	wav, err := audio.EncodeWAVPCM16LE(p.uplink, p.srv.cfg.sampleRate, 1)
	if err != nil {
		p.logger.Warn().Err(err).Msg("encode uplink wav failed")
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-turn%d.wav", p.sessionID, turn))
	if err := os.WriteFile(path, wav, 0o644); err != nil {
		p.logger.Warn().Err(err).Str("path", path).Msg("write uplink wav failed")
		return
	}
	p.logger.Info().Str("path", path).Int("bytes", len(p.uplink)).Msg("uplink recorded")
}

// stopSpeaking cancels an in-flight reply and reports whether it was still
// streaming.
func (p *peer) stopSpeaking() bool {
	if p.speakStop == nil {
		return false
	}
	select {
	case <-p.speakDone:
		p.speakStop()
		p.speakStop, p.speakDone = nil, nil
		return false
	default:
	}
	p.speakStop()
	<-p.speakDone
	p.speakStop, p.speakDone = nil, nil
	return true
}

func (p *peer) speak(ctx context.Context, turn int) error {
	cfg := p.srv.cfg
	sentence := cfg.sentences[(turn-1)%len(cfg.sentences)]
	p.logger.Info().Int("turn", turn).Str("text", sentence).Int("frames", len(p.srv.frames)).Msg("speaking")

	if err := p.writeJSON(map[string]any{"type": protocol.TypeTTS, "state": protocol.TTSStart}); err != nil {
		return err
	}
	if cfg.emotion != "" {
		if err := p.writeJSON(map[string]any{"type": protocol.TypeLLM, "emotion": cfg.emotion}); err != nil {
			return err
		}
	}
	if err := p.writeJSON(map[string]any{"type": protocol.TypeTTS, "state": protocol.TTSSentenceStart, "text": sentence}); err != nil {
		return err
	}

	pace := time.Duration(float64(time.Duration(cfg.frameMS)*time.Millisecond) / cfg.realtime)
	for _, frame := range p.srv.frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.write(websocket.BinaryMessage, frame); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pace):
		}
	}

	if err := p.writeJSON(map[string]any{"type": protocol.TypeTTS, "state": protocol.TTSSentenceEnd, "text": sentence}); err != nil {
		return err
	}
	return p.writeJSON(map[string]any{"type": protocol.TypeTTS, "state": protocol.TTSStop})
}

func (p *peer) writeJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.write(websocket.TextMessage, raw)
}

func (p *peer) write(messageType int, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.conn.WriteMessage(messageType, data)
}
