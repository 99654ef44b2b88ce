package session

import (
	"sync"

	"github.com/zhou19830318/xiaozhi/internal/protocol"
)

// State is the single authoritative session record shared by the receive
// loop, uplink pump, keepalive, supervisor and button worker. Every method
// is atomic with respect to the others and none of them performs I/O.
type State struct {
	mu       sync.RWMutex
	snap     Snapshot
	onChange func(Snapshot)
}

func NewState(mode Mode, format protocol.AudioFormat) *State {
	if mode != ModeManual {
		mode = ModeAutomatic
	}
	if format == "" {
		format = protocol.FormatPCM
	}
	return &State{
		snap: Snapshot{
			Listen:      ListenStopped,
			Synthesis:   SynthesisIdle,
			Mode:        mode,
			AudioFormat: format,
		},
	}
}

// SetChangeHook registers a callback invoked, outside the lock, after every mutation.
func (s *State) SetChangeHook(hook func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = hook
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *State) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Connected
}

func (s *State) Listening() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Listen == ListenListening
}

func (s *State) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Generation
}

func (s *State) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Mode
}

// Live reports whether gen is still the current, connected generation.
func (s *State) Live(gen uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Connected && s.snap.Generation == gen
}

// TryTransitionListen applies target unless requireConnected is set and the
// session is disconnected. Listening is never entered while disconnected.
func (s *State) TryTransitionListen(target ListenState, requireConnected bool) bool {
	return s.mutate(func(snap *Snapshot) bool {
		if (requireConnected || target == ListenListening) && !snap.Connected {
			return false
		}
		snap.Listen = target
		return true
	})
}

// ListenIfCurrent is TryTransitionListen bound to one connection generation.
func (s *State) ListenIfCurrent(gen uint64, target ListenState) bool {
	return s.mutate(func(snap *Snapshot) bool {
		if !snap.Connected || snap.Generation != gen {
			return false
		}
		snap.Listen = target
		return true
	})
}

func (s *State) SetSynthesis(v SynthesisState) {
	s.mutate(func(snap *Snapshot) bool {
		snap.Synthesis = v
		return true
	})
}

// OnHandshakeAck records the session id and the negotiated format. An empty
// format keeps the previously configured one. An ack that arrives after the
// connection closed is ignored.
func (s *State) OnHandshakeAck(sessionID string, format protocol.AudioFormat) {
	s.mutate(func(snap *Snapshot) bool {
		if !snap.Connected {
			return false
		}
		snap.SessionID = sessionID
		if format != "" {
			snap.AudioFormat = format
		}
		return true
	})
}

// OnConnected marks the transport as open and starts a new generation.
func (s *State) OnConnected() uint64 {
	var gen uint64
	s.mutate(func(snap *Snapshot) bool {
		snap.Generation++
		snap.Connected = true
		snap.Listen = ListenStopped
		snap.Synthesis = SynthesisIdle
		gen = snap.Generation
		return true
	})
	return gen
}

// OnConnectionClosed is idempotent.
func (s *State) OnConnectionClosed() {
	s.mutate(func(snap *Snapshot) bool {
		if !snap.Connected && snap.Listen == ListenStopped && snap.SessionID == "" {
			return false
		}
		snap.Connected = false
		snap.Listen = ListenStopped
		snap.SessionID = ""
		return true
	})
}

// OnGoodbye clears the session id only.
func (s *State) OnGoodbye() {
	s.mutate(func(snap *Snapshot) bool {
		snap.SessionID = ""
		return true
	})
}

func (s *State) mutate(fn func(*Snapshot) bool) bool {
	s.mu.Lock()
	changed := fn(&s.snap)
	snap := s.snap
	hook := s.onChange
	s.mu.Unlock()

	if changed && hook != nil {
		hook(snap)
	}
	return changed
}
