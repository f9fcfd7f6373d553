package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/san-kum/pose-landmarker/server/config"
	"github.com/san-kum/pose-landmarker/server/media"
	"github.com/san-kum/pose-landmarker/server/middleware"
	"github.com/san-kum/pose-landmarker/server/models"
	"github.com/san-kum/pose-landmarker/server/processor"
	"go.uber.org/zap"
)

func runImage(args []string, cfg *config.Config, logger *zap.Logger) error {
	fs := flag.NewFlagSet("image", flag.ExitOnError)
	landmarker := addLandmarkerFlags(fs, cfg)
	overlayPath := fs.String("overlay", "", "write the annotated image to this PNG file")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("image: expected one image path")
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	img, err := media.DecodeImage(data)
	if err != nil {
		return err
	}

	pipeline, cleanup, err := landmarker.open(models.ModeImage, nil, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	bundle, err := pipeline.DetectImage(img)
	if err != nil {
		return err
	}

	if *overlayPath != "" {
		png, err := media.Annotate(img, bundle, 0, models.ModeImage)
		if err != nil {
			return err
		}
		if err := os.WriteFile(*overlayPath, png, 0o644); err != nil {
			return err
		}
	}
	return writeJSON(os.Stdout, bundle)
}

func runVideo(args []string, cfg *config.Config, logger *zap.Logger) error {
	fs := flag.NewFlagSet("video", flag.ExitOnError)
	landmarker := addLandmarkerFlags(fs, cfg)
	interval := fs.Int64("interval", cfg.Landmarker.VideoIntervalMs, "sampling interval in milliseconds")
	overlayPath := fs.String("overlay", "", "write the annotated frame selected by -frame to this PNG file")
	overlayFrame := fs.Int("frame", 0, "index of the sampled frame to annotate")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("video: expected one video path")
	}

	video, err := media.OpenVideoFile(fs.Arg(0))
	if err != nil {
		return err
	}
	defer video.Close()

	pipeline, cleanup, err := landmarker.open(models.ModeVideo, nil, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	bar := pb.New(0)
	bar.SetWriter(os.Stderr)
	bar.Start()
	pipeline.SetVideoProgress(func(done, total int64) {
		bar.SetTotal(total)
		bar.SetCurrent(done)
	})

	bundle, err := pipeline.DetectVideoFile(video, *interval)
	bar.Finish()
	if err != nil {
		return err
	}

	if *overlayPath != "" {
		result, ok := bundle.Result(*overlayFrame)
		if !ok {
			return fmt.Errorf("video: frame %d out of range, %d frames sampled", *overlayFrame, bundle.Len())
		}
		img, err := video.FrameAt(result.TimestampMs)
		if err != nil {
			return err
		}
		png, err := media.Annotate(img, bundle, *overlayFrame, models.ModeVideo)
		if err != nil {
			return err
		}
		if err := os.WriteFile(*overlayPath, png, 0o644); err != nil {
			return err
		}
	}
	return writeJSON(os.Stdout, bundle)
}

// runLive prints one JSON line per result until interrupted or until the
// requested number of frames has been submitted.
func runLive(args []string, cfg *config.Config, logger *zap.Logger) error {
	fs := flag.NewFlagSet("live", flag.ExitOnError)
	landmarker := addLandmarkerFlags(fs, cfg)
	device := fs.Int("device", 0, "camera device index")
	rotation := fs.Int("rotation", 0, "sensor rotation in degrees: 0, 90, 180 or 270")
	front := fs.Bool("front", false, "mirror frames as a front-facing camera")
	maxFrames := fs.Int("frames", 0, "stop after this many frames, 0 for no limit")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	camera, err := media.OpenCamera(*device, *rotation, *front)
	if err != nil {
		return err
	}
	defer camera.Close()

	listener := processor.NewChannelListener(cfg.Landmarker.AsyncQueueSize)
	pipeline, cleanup, err := landmarker.open(models.ModeLiveStream, listener, cfg, logger)
	if err != nil {
		return err
	}

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		encoder := json.NewEncoder(os.Stdout)
		for event := range listener.Events() {
			if event.IsError() {
				logger.Warn("Live detection error", zap.String("message", event.Message), zap.Stringer("code", event.Kind))
				continue
			}
			if err := encoder.Encode(event.Bundle); err != nil {
				logger.Warn("Failed to write result", zap.Error(err))
			}
		}
	}()

	frames := 0
	for ctx.Err() == nil && (*maxFrames == 0 || frames < *maxFrames) {
		buf, err := camera.Next()
		if err != nil {
			logger.Warn("Camera read failed", zap.Error(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if err := pipeline.DetectLiveStream(buf, camera.IsFront()); err != nil && !errors.Is(err, models.ErrInference) {
			break
		}
		frames++
	}

	cleanup()
	listener.Close()
	<-printed

	logger.Info("Live detection stopped",
		zap.Int("frames", frames),
		zap.Int64("dropped_events", listener.Dropped()))
	return nil
}

func runToken(args []string, cfg *config.Config, logger *zap.Logger) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	subject := fs.String("subject", "admin", "token subject")
	role := fs.String("role", "admin", "token role")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	fs.Parse(args)

	auth := middleware.NewAuthMiddleware(cfg.Security.JWTSecretKey, logger)
	token, err := auth.GenerateToken(*subject, *role, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
