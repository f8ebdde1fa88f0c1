package worker

import (
	"bytes"
	"time"

	"github.com/danmuck/h9ctl/internal/protocol"
)

// CodeEvent is the device's unsolicited activity chatter.
const CodeEvent protocol.Code = 0x60

// DetectorConfig tunes preset-change detection from event chatter.
type DetectorConfig struct {
	Window   time.Duration
	Distinct int
	Debounce time.Duration
	Cooldown time.Duration
}

func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Window:   150 * time.Millisecond,
		Distinct: 2,
		Debounce: 250 * time.Millisecond,
		Cooldown: 1500 * time.Millisecond,
	}
}

// buttonChatter prefixes footswitch down/up events, which are not preset changes.
var buttonChatter = []byte{0x07, 0x00, 0x5C}

type seenPrefix struct {
	at     time.Time
	prefix [3]byte
}

// changeDetector flags a preset change when several differently shaped
// event messages arrive in one burst.
type changeDetector struct {
	cfg    DetectorConfig
	recent []seenPrefix
}

func newChangeDetector(cfg DetectorConfig) *changeDetector {
	return &changeDetector{cfg: cfg}
}

func (d *changeDetector) observe(msg protocol.Message, now time.Time) bool {
	if msg.Code != CodeEvent || len(msg.Payload) < 3 {
		return false
	}
	if bytes.HasPrefix(msg.Payload, buttonChatter) {
		return false
	}
	var p [3]byte
	copy(p[:], msg.Payload[:3])
	d.recent = append(d.recent, seenPrefix{at: now, prefix: p})

	keep := d.recent[:0]
	for _, s := range d.recent {
		if now.Sub(s.at) <= d.cfg.Window {
			keep = append(keep, s)
		}
	}
	d.recent = keep

	distinct := make(map[[3]byte]struct{}, len(d.recent))
	for _, s := range d.recent {
		distinct[s.prefix] = struct{}{}
	}
	return len(distinct) >= d.cfg.Distinct
}
