package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelVariantAssetPath(t *testing.T) {
	assert.Equal(t, AssetFull, ModelFull.AssetPath())
	assert.Equal(t, AssetLite, ModelLite.AssetPath())
	assert.Equal(t, AssetHeavy, ModelHeavy.AssetPath())

	for _, unknown := range []ModelVariant{-1, 3, 42} {
		assert.Equal(t, AssetFull, unknown.AssetPath(), "variant %d", int(unknown))
	}
}

func TestDefaultConfigurationIsValid(t *testing.T) {
	cfg := DefaultConfiguration()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.5, cfg.MinPoseDetectionConfidence)
	assert.Equal(t, 0.5, cfg.MinPoseTrackingConfidence)
	assert.Equal(t, 0.5, cfg.MinPosePresenceConfidence)
	assert.Equal(t, ModeImage, cfg.Mode)
	assert.Equal(t, DelegateCPU, cfg.Delegate)
}

func TestConfigurationValidateRejectsOutOfRangeThresholds(t *testing.T) {
	cfg := DefaultConfiguration()
	cfg.MinPoseTrackingConfidence = 1.2
	cfg.MinPosePresenceConfidence = -0.1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_pose_tracking_confidence")
	assert.Contains(t, err.Error(), "min_pose_presence_confidence")

	cfg = DefaultConfiguration()
	cfg.MinPoseDetectionConfidence = 0
	cfg.MinPoseTrackingConfidence = 1
	assert.NoError(t, cfg.Validate(), "bounds are inclusive")
}

func TestConfigurationValidateRejectsUnknownMode(t *testing.T) {
	cfg := DefaultConfiguration()
	cfg.Mode = Mode(7)
	assert.Error(t, cfg.Validate())
}

func TestConfigurationJSONUsesNames(t *testing.T) {
	cfg := DefaultConfiguration()
	cfg.Mode = ModeLiveStream
	cfg.Delegate = DelegateGPU
	cfg.Model = ModelHeavy

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"running_mode":"LIVE_STREAM"`)
	assert.Contains(t, string(data), `"delegate":"GPU"`)
	assert.Contains(t, string(data), `"model":"HEAVY"`)

	var decoded Configuration
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, cfg, decoded)
}

func TestParseModeAliases(t *testing.T) {
	mode, err := ParseMode("live")
	require.NoError(t, err)
	assert.Equal(t, ModeLiveStream, mode)

	_, err = ParseMode("burst")
	assert.Error(t, err)
}

func TestResultBundleIsImmutable(t *testing.T) {
	results := []DetectionResult{{TimestampMs: 10}}
	bundle := NewResultBundle(results, 7, 480, 640)

	results[0].TimestampMs = 99
	got := bundle.Results()
	got[0].TimestampMs = 55

	first, ok := bundle.Result(0)
	require.True(t, ok)
	assert.Equal(t, int64(10), first.TimestampMs)
	assert.Equal(t, 1, bundle.Len())
	assert.Equal(t, int64(7), bundle.InferenceTimeMs())
	assert.Equal(t, 480, bundle.InputImageHeight())
	assert.Equal(t, 640, bundle.InputImageWidth())

	_, ok = bundle.Result(1)
	assert.False(t, ok)
}

func TestResultBundleJSON(t *testing.T) {
	bundle := NewResultBundle([]DetectionResult{{
		Landmarks: [][]NormalizedLandmark{{{X: 0.25, Y: 0.75}}},
	}}, 12, 480, 640)

	data, err := json.Marshal(bundle)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"inference_time_ms":12`)

	var decoded ResultBundle
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, bundle.Results(), decoded.Results())
	assert.Equal(t, 640, decoded.InputImageWidth())
}

func TestConfigErrorClassification(t *testing.T) {
	capability := NewConfigError(ConfigCapability, errors.New("GPU delegate unsupported"))
	wrapped := fmt.Errorf("configure: %w", capability)

	assert.True(t, IsCapabilityError(wrapped))
	assert.Equal(t, ErrorKindGPU, ErrorKindFor(wrapped))

	structural := NewConfigError(ConfigStructural, ErrListenerRequired)
	assert.False(t, IsCapabilityError(structural))
	assert.ErrorIs(t, structural, ErrListenerRequired)
	assert.Equal(t, ErrorKindOther, ErrorKindFor(structural))
}

func TestPoseConnectionsStayWithinTopology(t *testing.T) {
	assert.Len(t, PoseConnections, 35)
	for _, c := range PoseConnections {
		assert.True(t, c.Start >= 0 && c.Start < NumLandmarks)
		assert.True(t, c.End >= 0 && c.End < NumLandmarks)
	}
}
