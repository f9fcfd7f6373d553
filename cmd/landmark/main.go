// Command landmark runs pose landmark detection against the inference sidecar
// from the command line.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/san-kum/pose-landmarker/server/config"
	"github.com/san-kum/pose-landmarker/server/ml"
	"github.com/san-kum/pose-landmarker/server/models"
	"github.com/san-kum/pose-landmarker/server/processor"
	"go.uber.org/zap"
)

const usage = `usage: landmark <command> [flags]

commands:
  image   detect poses in a still image
  video   detect poses in a recorded video
  live    detect poses from a camera until interrupted
  token   mint an admin bearer token for the server API

Run "landmark <command> -h" for command flags.
`

type command func(args []string, cfg *config.Config, logger *zap.Logger) error

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	commands := map[string]command{
		"image": runImage,
		"video": runVideo,
		"live":  runLive,
		"token": runToken,
	}
	run, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := config.LoadConfig()
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(os.Args[2:], cfg, logger); err != nil {
		logger.Error("Command failed", zap.String("command", os.Args[1]), zap.Error(err))
		os.Exit(1)
	}
}

// landmarkerFlags are shared by the detection commands and default to the
// environment configuration.
type landmarkerFlags struct {
	serviceURL string
	model      string
	delegate   string
	numPoses   int
	detection  float64
	tracking   float64
	presence   float64
	fallback   bool
}

func addLandmarkerFlags(fs *flag.FlagSet, cfg *config.Config) *landmarkerFlags {
	f := &landmarkerFlags{}
	fs.StringVar(&f.serviceURL, "service", cfg.ML.BaseURL, "inference service URL")
	fs.StringVar(&f.model, "model", cfg.Landmarker.Model, "model variant: FULL, LITE or HEAVY")
	fs.StringVar(&f.delegate, "delegate", cfg.Landmarker.Delegate, "delegate: CPU or GPU")
	fs.IntVar(&f.numPoses, "poses", cfg.Landmarker.NumPoses, "maximum number of poses")
	fs.Float64Var(&f.detection, "min-detection", cfg.Landmarker.MinPoseDetectionConfidence, "minimum pose detection confidence")
	fs.Float64Var(&f.tracking, "min-tracking", cfg.Landmarker.MinPoseTrackingConfidence, "minimum pose tracking confidence")
	fs.Float64Var(&f.presence, "min-presence", cfg.Landmarker.MinPosePresenceConfidence, "minimum pose presence confidence")
	fs.BoolVar(&f.fallback, "cpu-fallback", cfg.Landmarker.CPUFallback, "retry on CPU when the GPU delegate is unavailable")
	return f
}

func (f *landmarkerFlags) configuration(mode models.Mode) (models.Configuration, error) {
	model, err := models.ParseModelVariant(f.model)
	if err != nil {
		return models.Configuration{}, err
	}
	delegate, err := models.ParseDelegate(f.delegate)
	if err != nil {
		return models.Configuration{}, err
	}
	cfg := models.Configuration{
		MinPoseDetectionConfidence: f.detection,
		MinPoseTrackingConfidence:  f.tracking,
		MinPosePresenceConfidence:  f.presence,
		NumPoses:                   f.numPoses,
		Model:                      model,
		Delegate:                   delegate,
		Mode:                       mode,
	}
	return cfg, cfg.Validate()
}

// open connects to the sidecar and configures a pipeline for mode. The
// returned cleanup closes both.
func (f *landmarkerFlags) open(mode models.Mode, listener models.Listener, cfg *config.Config, logger *zap.Logger) (*processor.Pipeline, func(), error) {
	settings, err := f.configuration(mode)
	if err != nil {
		return nil, nil, err
	}

	client, err := ml.NewClient(f.serviceURL, ml.ClientConfig{
		Timeout:        cfg.ML.Timeout,
		MaxRetries:     cfg.ML.MaxRetries,
		RetryDelay:     cfg.ML.RetryDelay,
		AsyncQueueSize: cfg.Landmarker.AsyncQueueSize,
	}, logger.Named("ml"))
	if err != nil {
		return nil, nil, err
	}

	pipeline := processor.NewPipeline(client, listener, logger)
	if f.fallback {
		_, err = pipeline.ConfigureWithCPUFallback(settings)
	} else {
		err = pipeline.Configure(settings)
	}
	if err != nil {
		client.Close()
		return nil, nil, err
	}

	cleanup := func() {
		if err := pipeline.Close(); err != nil {
			logger.Warn("Failed to close pipeline", zap.Error(err))
		}
		client.Close()
	}
	return pipeline, cleanup, nil
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
