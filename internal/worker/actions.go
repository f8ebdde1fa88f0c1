package worker

import (
	"errors"
	"fmt"

	"github.com/danmuck/h9ctl/internal/protocol"
)

var ErrUnknownAction = errors.New("worker: unknown action")

type ActionType string

const (
	ActionConnect         ActionType = "connect"
	ActionDisconnect      ActionType = "disconnect"
	ActionRefresh         ActionType = "refresh"
	ActionNextPreset      ActionType = "next_preset"
	ActionPrevPreset      ActionType = "prev_preset"
	ActionSetValue        ActionType = "set_value"
	ActionSyncLiveTempo   ActionType = "sync_live_tempo"
	ActionLockTempo       ActionType = "lock_tempo"
	ActionFollowLiveTempo ActionType = "follow_live_tempo"
	ActionDoubleTempo     ActionType = "double_tempo"
	ActionHalveTempo      ActionType = "halve_tempo"
	ActionAdjustTempo     ActionType = "adjust_tempo"
)

var knownActions = map[ActionType]bool{
	ActionConnect:         true,
	ActionDisconnect:      true,
	ActionRefresh:         true,
	ActionNextPreset:      true,
	ActionPrevPreset:      true,
	ActionSetValue:        true,
	ActionSyncLiveTempo:   true,
	ActionLockTempo:       true,
	ActionFollowLiveTempo: true,
	ActionDoubleTempo:     true,
	ActionHalveTempo:      true,
	ActionAdjustTempo:     true,
}

// Action is an opaque intent executed by the worker. Key/Value apply to
// set_value, Delta (BPM) to adjust_tempo.
type Action struct {
	Type  ActionType         `json:"type"`
	Key   protocol.SystemKey `json:"key,omitempty"`
	Value uint16             `json:"value,omitempty"`
	Delta float64            `json:"delta,omitempty"`
}

func (a Action) String() string {
	switch a.Type {
	case ActionSetValue:
		return fmt.Sprintf("%s(%s=%d)", a.Type, a.Key, a.Value)
	case ActionAdjustTempo:
		return fmt.Sprintf("%s(%+g)", a.Type, a.Delta)
	default:
		return string(a.Type)
	}
}

// Validate rejects actions the worker cannot execute before they are queued.
func (a Action) Validate() error {
	if !knownActions[a.Type] {
		return fmt.Errorf("%w: %q", ErrUnknownAction, a.Type)
	}
	if a.Type == ActionSetValue {
		if !a.Key.Valid() {
			return fmt.Errorf("%w: 0x%X", protocol.ErrInvalidKey, uint16(a.Key))
		}
		if a.Value > a.Key.Max() {
			return fmt.Errorf("%w: key=%s value=%d", protocol.ErrValueRange, a.Key, a.Value)
		}
	}
	return nil
}

func Connect() Action    { return Action{Type: ActionConnect} }
func Disconnect() Action { return Action{Type: ActionDisconnect} }
func Refresh() Action    { return Action{Type: ActionRefresh} }
func NextPreset() Action { return Action{Type: ActionNextPreset} }
func PrevPreset() Action { return Action{Type: ActionPrevPreset} }

func SetValue(key protocol.SystemKey, value uint16) Action {
	return Action{Type: ActionSetValue, Key: key, Value: value}
}

func SyncLiveTempoToDevice() Action { return Action{Type: ActionSyncLiveTempo} }
func LockTempo() Action             { return Action{Type: ActionLockTempo} }
func FollowLiveTempo() Action       { return Action{Type: ActionFollowLiveTempo} }
func DoubleTempo() Action           { return Action{Type: ActionDoubleTempo} }
func HalveTempo() Action            { return Action{Type: ActionHalveTempo} }

func AdjustTempo(delta float64) Action {
	return Action{Type: ActionAdjustTempo, Delta: delta}
}
