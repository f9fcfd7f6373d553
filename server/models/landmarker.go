package models

import (
	"fmt"
	"strings"
)

type Mode int

const (
	ModeImage Mode = iota
	ModeVideo
	ModeLiveStream
)

func (m Mode) String() string {
	switch m {
	case ModeImage:
		return "IMAGE"
	case ModeVideo:
		return "VIDEO"
	case ModeLiveStream:
		return "LIVE_STREAM"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "IMAGE":
		return ModeImage, nil
	case "VIDEO":
		return ModeVideo, nil
	case "LIVE_STREAM", "LIVESTREAM", "LIVE":
		return ModeLiveStream, nil
	default:
		return 0, fmt.Errorf("unknown running mode %q", s)
	}
}

type Delegate int

const (
	DelegateCPU Delegate = iota
	DelegateGPU
)

func (d Delegate) String() string {
	switch d {
	case DelegateCPU:
		return "CPU"
	case DelegateGPU:
		return "GPU"
	default:
		return fmt.Sprintf("Delegate(%d)", int(d))
	}
}

func ParseDelegate(s string) (Delegate, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CPU":
		return DelegateCPU, nil
	case "GPU":
		return DelegateGPU, nil
	default:
		return 0, fmt.Errorf("unknown delegate %q", s)
	}
}

type ModelVariant int

const (
	ModelFull ModelVariant = iota
	ModelLite
	ModelHeavy
)

const (
	AssetFull  = "pose_landmarker_full.task"
	AssetLite  = "pose_landmarker_lite.task"
	AssetHeavy = "pose_landmarker_heavy.task"
)

// AssetPath resolves the variant to its model asset. Values outside the known
// set fall back to the full model.
func (v ModelVariant) AssetPath() string {
	switch v {
	case ModelFull:
		return AssetFull
	case ModelLite:
		return AssetLite
	case ModelHeavy:
		return AssetHeavy
	default:
		return AssetFull
	}
}

func (v ModelVariant) String() string {
	switch v {
	case ModelFull:
		return "FULL"
	case ModelLite:
		return "LITE"
	case ModelHeavy:
		return "HEAVY"
	default:
		return fmt.Sprintf("ModelVariant(%d)", int(v))
	}
}

func ParseModelVariant(s string) (ModelVariant, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "FULL":
		return ModelFull, nil
	case "LITE":
		return ModelLite, nil
	case "HEAVY":
		return ModelHeavy, nil
	default:
		return 0, fmt.Errorf("unknown model variant %q", s)
	}
}

const (
	DefaultPoseDetectionConfidence = 0.5
	DefaultPoseTrackingConfidence  = 0.5
	DefaultPosePresenceConfidence  = 0.5
	DefaultNumPoses                = 1
)

// Configuration is everything needed to build an engine instance.
type Configuration struct {
	MinPoseDetectionConfidence float64      `json:"min_pose_detection_confidence"`
	MinPoseTrackingConfidence  float64      `json:"min_pose_tracking_confidence"`
	MinPosePresenceConfidence  float64      `json:"min_pose_presence_confidence"`
	NumPoses                   int          `json:"num_poses"`
	Model                      ModelVariant `json:"model"`
	Delegate                   Delegate     `json:"delegate"`
	Mode                       Mode         `json:"running_mode"`
}

func DefaultConfiguration() Configuration {
	return Configuration{
		MinPoseDetectionConfidence: DefaultPoseDetectionConfidence,
		MinPoseTrackingConfidence:  DefaultPoseTrackingConfidence,
		MinPosePresenceConfidence:  DefaultPosePresenceConfidence,
		NumPoses:                   DefaultNumPoses,
		Model:                      ModelFull,
		Delegate:                   DelegateCPU,
		Mode:                       ModeImage,
	}
}

func (c Configuration) Validate() error {
	var problems []string

	thresholds := []struct {
		name  string
		value float64
	}{
		{"min_pose_detection_confidence", c.MinPoseDetectionConfidence},
		{"min_pose_tracking_confidence", c.MinPoseTrackingConfidence},
		{"min_pose_presence_confidence", c.MinPosePresenceConfidence},
	}
	for _, t := range thresholds {
		if t.value < 0 || t.value > 1 {
			problems = append(problems, fmt.Sprintf("%s must be within [0,1], got %v", t.name, t.value))
		}
	}

	if c.NumPoses < 1 {
		problems = append(problems, "num_poses must be at least 1")
	}

	switch c.Mode {
	case ModeImage, ModeVideo, ModeLiveStream:
	default:
		problems = append(problems, fmt.Sprintf("unsupported running mode %s", c.Mode))
	}

	switch c.Delegate {
	case DelegateCPU, DelegateGPU:
	default:
		problems = append(problems, fmt.Sprintf("unsupported delegate %s", c.Delegate))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, ", "))
	}
	return nil
}

// Fingerprint identifies the settings that influence a detection result.
func (c Configuration) Fingerprint() string {
	return fmt.Sprintf("%s|%s|%s|%.3f|%.3f|%.3f|%d",
		c.Model.AssetPath(), c.Delegate, c.Mode,
		c.MinPoseDetectionConfidence, c.MinPoseTrackingConfidence, c.MinPosePresenceConfidence,
		c.NumPoses)
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func (d Delegate) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Delegate) UnmarshalText(text []byte) error {
	parsed, err := ParseDelegate(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (v ModelVariant) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

func (v *ModelVariant) UnmarshalText(text []byte) error {
	parsed, err := ParseModelVariant(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
