package model

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// View is implemented by every typed resource snapshot.
type View interface {
	// Validate checks the invariants of present fields (partial-safe).
	Validate() error
	// ValidateFull additionally requires everything a complete snapshot
	// must carry.
	ValidateFull() error
}

func newView(resource Resource) (View, error) {
	switch resource {
	case ResourceCapture:
		return &CaptureStatus{}, nil
	case ResourceMotion:
		return &MotionState{}, nil
	case ResourceConfig:
		return &DeviceConfig{}, nil
	case ResourceRecordings:
		return &RecordingList{}, nil
	case ResourceHealth:
		return &DeviceHealth{}, nil
	default:
		return nil, fmt.Errorf("unknown resource %q", resource)
	}
}

// Decode parses data into the typed view for resource and validates it as a
// complete snapshot. The returned value is one of *CaptureStatus,
// *MotionState, *DeviceConfig, *RecordingList, or *DeviceHealth.
func Decode(resource Resource, data []byte) (View, error) {
	view, err := newView(resource)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, view); err != nil {
		return nil, fmt.Errorf("decode %s: %w", resource, err)
	}
	if err := view.ValidateFull(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", resource, err)
	}
	return view, nil
}

// CheckPayload validates data as a complete snapshot for resource,
// discarding the typed view. Used at the fetch boundary.
func CheckPayload(resource Resource, data []byte) error {
	_, err := Decode(resource, data)
	return err
}

// CheckPartial validates data as a possibly-partial update for resource.
// Field types must still match the typed view and present fields must hold
// their invariants, but required fields may be absent. Used at the push
// boundary.
func CheckPartial(resource Resource, data []byte) error {
	view, err := newView(resource)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, view); err != nil {
		return fmt.Errorf("decode %s: %w", resource, err)
	}
	if err := view.Validate(); err != nil {
		return fmt.Errorf("validate %s: %w", resource, err)
	}
	return nil
}
