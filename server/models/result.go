package models

import (
	"encoding/json"
	"image"
)

// Frame is an upright RGBA image ready for inference. TimestampMs is the
// capture time for live frames and the offset into the source for video
// frames; still images leave it at zero.
type Frame struct {
	Image       *image.RGBA
	TimestampMs int64
}

func NewFrame(img *image.RGBA, timestampMs int64) *Frame {
	return &Frame{Image: img, TimestampMs: timestampMs}
}

func (f *Frame) Width() int {
	return f.Image.Bounds().Dx()
}

func (f *Frame) Height() int {
	return f.Image.Bounds().Dy()
}

// NormalizedLandmark has X and Y in [0,1] relative to the frame it was
// detected on.
type NormalizedLandmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Visibility float64 `json:"visibility,omitempty"`
	Presence   float64 `json:"presence,omitempty"`
}

// Landmark is a world-space keypoint in meters, hip centered.
type Landmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Visibility float64 `json:"visibility,omitempty"`
}

// DetectionResult holds one landmark list per detected pose.
type DetectionResult struct {
	TimestampMs    int64                  `json:"timestamp_ms"`
	Landmarks      [][]NormalizedLandmark `json:"landmarks"`
	WorldLandmarks [][]Landmark           `json:"world_landmarks,omitempty"`
}

// InputMeta describes the frame an asynchronous result was computed on.
type InputMeta struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ResultBundle is immutable once built: the constructor copies the result
// slice and only accessors are exported.
type ResultBundle struct {
	results          []DetectionResult
	inferenceTimeMs  int64
	inputImageHeight int
	inputImageWidth  int
}

func NewResultBundle(results []DetectionResult, inferenceTimeMs int64, inputImageHeight, inputImageWidth int) *ResultBundle {
	copied := make([]DetectionResult, len(results))
	copy(copied, results)
	return &ResultBundle{
		results:          copied,
		inferenceTimeMs:  inferenceTimeMs,
		inputImageHeight: inputImageHeight,
		inputImageWidth:  inputImageWidth,
	}
}

// Results returns a copy of the per-frame results.
func (b *ResultBundle) Results() []DetectionResult {
	out := make([]DetectionResult, len(b.results))
	copy(out, b.results)
	return out
}

func (b *ResultBundle) Len() int {
	return len(b.results)
}

// Result returns the detection result at index i.
func (b *ResultBundle) Result(i int) (DetectionResult, bool) {
	if i < 0 || i >= len(b.results) {
		return DetectionResult{}, false
	}
	return b.results[i], true
}

func (b *ResultBundle) InferenceTimeMs() int64 {
	return b.inferenceTimeMs
}

func (b *ResultBundle) InputImageHeight() int {
	return b.inputImageHeight
}

func (b *ResultBundle) InputImageWidth() int {
	return b.inputImageWidth
}

// ResultBundleJSON is the wire form of a bundle.
type ResultBundleJSON struct {
	Results          []DetectionResult `json:"results"`
	InferenceTimeMs  int64             `json:"inference_time_ms"`
	InputImageHeight int               `json:"input_image_height"`
	InputImageWidth  int               `json:"input_image_width"`
}

func (b *ResultBundle) MarshalJSON() ([]byte, error) {
	return json.Marshal(ResultBundleJSON{
		Results:          b.results,
		InferenceTimeMs:  b.inferenceTimeMs,
		InputImageHeight: b.inputImageHeight,
		InputImageWidth:  b.inputImageWidth,
	})
}

func (b *ResultBundle) UnmarshalJSON(data []byte) error {
	var wire ResultBundleJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*b = *NewResultBundle(wire.Results, wire.InferenceTimeMs, wire.InputImageHeight, wire.InputImageWidth)
	return nil
}

// Listener receives results and errors from a pipeline. In live-stream mode
// both methods are called from the engine's goroutine, never the submitter's.
type Listener interface {
	OnResults(bundle *ResultBundle)
	OnError(message string, kind ErrorKind)
}
