package audio

type HealthState int

const (
	Healthy HealthState = iota
	Degraded
	Recovering
	Failed
)

func (s HealthState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Recovering:
		return "recovering"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StreamHealth is the monitor's view of the capture stream.
type StreamHealth struct {
	ConsecutiveIdenticalFrames int         `json:"consecutive_identical_frames"`
	ConsecutiveSilentFrames    int         `json:"consecutive_silent_frames"`
	OverrunCount               int         `json:"overrun_count"`
	RecoveryAttempt            int         `json:"recovery_attempt"`
	State                      HealthState `json:"state"`
	FramesRead                 uint64      `json:"frames_read"`
}
