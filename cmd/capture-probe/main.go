package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/analysis"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/camera"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/config"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/logger"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/motion"
)

func main() {
	var (
		configPath string
		frames     int
		interval   time.Duration
		out        string
		checkAI    bool
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.IntVar(&frames, "frames", 50, "Number of frames to read")
	flag.DurationVar(&interval, "interval", 100*time.Millisecond, "Delay between reads")
	flag.StringVar(&out, "out", "motion_probe.jpg", "Where to write the last annotated motion frame")
	flag.BoolVar(&checkAI, "analysis", false, "Also check the label analysis service")
	flag.Parse()

	fmt.Println("=== Frame Source & Motion Detection Probe ===")
	fmt.Println()

	cfg, err := config.LoadWithEnv(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.LogConfig{Level: "info", Format: "text"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	g := cfg.Guard
	fmt.Printf("Camera source: %s\n", g.Camera.Source)
	fmt.Printf("Working resolution: %dx%d, min area: %d\n", g.Motion.Width, g.Motion.Height, g.Motion.MinArea)
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if checkAI {
		fmt.Println("Testing analysis service connection...")
		client := analysis.NewClient(analysis.ClientConfig{ServiceURL: g.Analysis.ServiceURL, Timeout: 5 * time.Second}, log)
		if err := client.HealthCheck(ctx); err != nil {
			fmt.Printf("❌ Analysis service not ready: %v\n", err)
		} else {
			fmt.Println("✅ Analysis service is ready")
		}
		fmt.Println()
	}

	source, err := camera.NewSource(g.Camera, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create source: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Opening frame source...")
	openCtx, cancelOpen := context.WithTimeout(ctx, g.Camera.OpenTimeout)
	err = source.Open(openCtx)
	cancelOpen()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Could not open %s: %v\n", source.Name(), err)
		os.Exit(1)
	}
	defer source.Close()
	fmt.Printf("✅ %s opened\n\n", source.Name())

	model, err := motion.NewModel(motion.ModelConfig{
		Backend:       g.Motion.Backend,
		History:       g.Motion.History,
		VarThreshold:  g.Motion.VarThreshold,
		DetectShadows: g.Motion.DetectShadows,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create motion model: %v\n", err)
		os.Exit(1)
	}
	detector := motion.NewDetector(motion.Config{
		Width:         g.Motion.Width,
		Height:        g.Motion.Height,
		MinArea:       g.Motion.MinArea,
		MaskThreshold: g.Motion.MaskThreshold,
	}, model)

	motionFrames := 0
	var lastMotion []byte
	for i := 1; i <= frames; i++ {
		if ctx.Err() != nil {
			break
		}

		frame, err := source.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, camera.ErrTransientRead) {
				fmt.Printf("[Frame %d] ⚠️  transient read failure\n", i)
				time.Sleep(g.Camera.RetryInterval)
				continue
			}
			fmt.Printf("[Frame %d] ❌ read failed: %v\n", i, err)
			break
		}

		res := detector.Detect(frame)
		if res.Motion {
			motionFrames++
			fmt.Printf("[Frame %d] ✅ motion, %d region(s)\n", i, len(res.Boxes))
			for _, b := range res.Boxes {
				fmt.Printf("    - %v (area %d)\n", b, b.Dx()*b.Dy())
			}
			if data, err := res.Annotated.EncodeJPEG(g.Camera.JPEGQuality); err == nil {
				lastMotion = data
			}
		}

		time.Sleep(interval)
	}

	fmt.Println()
	fmt.Printf("Frames with motion: %d\n", motionFrames)
	if lastMotion != nil {
		if err := os.WriteFile(out, lastMotion, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write %s: %v\n", out, err)
			os.Exit(1)
		}
		fmt.Printf("Last motion frame written to %s\n", out)
	}
}
