package worker

import (
	"sync"
	"time"

	"github.com/danmuck/h9ctl/internal/protocol/preset"
	"github.com/danmuck/h9ctl/internal/tempo"
)

type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

type ConnectionStatus struct {
	State  ConnectionState `json:"state"`
	Reason string          `json:"reason,omitempty"`
}

// StateSnapshot is a complete, self-contained view of device state. Every
// published value is a fresh copy; nothing in it is shared with the worker.
type StateSnapshot struct {
	Seq             uint64           `json:"seq"`
	At              time.Time        `json:"at"`
	Preset          *preset.Snapshot `json:"preset,omitempty"`
	DeviceTempoBPM  *float64         `json:"device_tempo_bpm,omitempty"`
	LiveTempoBPM    *float64         `json:"live_tempo_bpm,omitempty"`
	DisplayTempoBPM *float64         `json:"display_tempo_bpm,omitempty"`
	Bypassed        *bool            `json:"bypassed,omitempty"`
	Connection      ConnectionStatus `json:"connection"`
	TempoMode       tempo.Mode       `json:"tempo_mode"`
	LastAction      string           `json:"last_action,omitempty"`
}

// Clone deep-copies the optional fields.
func (s StateSnapshot) Clone() StateSnapshot {
	out := s
	if s.Preset != nil {
		p := *s.Preset
		out.Preset = &p
	}
	out.DeviceTempoBPM = cloneFloat(s.DeviceTempoBPM)
	out.LiveTempoBPM = cloneFloat(s.LiveTempoBPM)
	out.DisplayTempoBPM = cloneFloat(s.DisplayTempoBPM)
	if s.Bypassed != nil {
		b := *s.Bypassed
		out.Bypassed = &b
	}
	return out
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// broadcaster fans snapshots out to subscribers. A slow subscriber loses
// its oldest buffered snapshot, never the newest, and never blocks publish.
type broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan StateSnapshot
	last   StateSnapshot
}

func newBroadcaster(initial StateSnapshot) *broadcaster {
	return &broadcaster{
		subs: make(map[int]chan StateSnapshot),
		last: initial,
	}
}

// subscribe registers a channel that first receives the latest snapshot.
func (b *broadcaster) subscribe(buffer int) (<-chan StateSnapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan StateSnapshot, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	ch <- b.last.Clone()
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

func (b *broadcaster) publish(s StateSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = s
	for _, ch := range b.subs {
		v := s.Clone()
		select {
		case ch <- v:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

func (b *broadcaster) latest() StateSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last.Clone()
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
