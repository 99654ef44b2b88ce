package observability

import (
	"math"
	"slices"
	"sync"
	"time"
)

// Turn pipeline stages in the order they happen.
const (
	StageDial                   = "dial_to_hello_sent"
	StageListenStartToTTS       = "listen_start_to_tts_start"
	StageListenStopToFirstAudio = "listen_stop_to_first_audio"
	StageTTSStartToFirstAudio   = "tts_start_to_first_audio"
	StageSpeaking               = "tts_start_to_stop"
)

type stageTarget struct {
	name   string
	target float64 // p95 objective in ms; zero means none
}

// stageOrder fixes snapshot ordering.
var stageOrder = []stageTarget{
	{StageDial, 800},
	{StageListenStartToTTS, 0},
	{StageListenStopToFirstAudio, 1500},
	{StageTTSStartToFirstAudio, 400},
	{StageSpeaking, 0},
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  int     `json:"over_target,omitempty"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
}

// stageWindow keeps the most recent samples of every known stage.
type stageWindow struct {
	mu      sync.Mutex
	size    int
	samples map[string][]float64
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{size: size, samples: make(map[string][]float64, len(stageOrder))}
}

// Observe records ms for stage, evicting the oldest sample once full.
// Unknown stages and negative durations are ignored.
func (w *stageWindow) Observe(stage string, ms float64) {
	if ms < 0 || !knownStage(stage) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.samples[stage]
	if len(s) == w.size {
		copy(s, s[1:])
		s = s[:len(s)-1]
	}
	w.samples[stage] = append(s, ms)
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(stageOrder)),
	}
	for _, st := range stageOrder {
		s := w.samples[st.name]
		if len(s) == 0 {
			continue
		}
		sorted := slices.Clone(s)
		slices.Sort(sorted)
		stats := StageStats{
			Stage:       st.name,
			Samples:     len(s),
			LastMS:      s[len(s)-1],
			P50MS:       nearestRank(sorted, 0.50),
			P95MS:       nearestRank(sorted, 0.95),
			MaxMS:       sorted[len(sorted)-1],
			TargetP95MS: st.target,
		}
		if st.target > 0 {
			for _, v := range s {
				if v > st.target {
					stats.OverTarget++
				}
			}
		}
		out.Stages = append(out.Stages, stats)
	}
	return out
}

func knownStage(stage string) bool {
	return slices.ContainsFunc(stageOrder, func(st stageTarget) bool { return st.name == stage })
}

// nearestRank returns the q-th percentile of a non-empty sorted slice.
func nearestRank(sorted []float64, q float64) float64 {
	rank := int(math.Ceil(q * float64(len(sorted))))
	return sorted[max(rank, 1)-1]
}
