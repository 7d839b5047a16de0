// Command zlconv convolves a WAV file with a WAV impulse response using the
// zero latency convolution engine.
//
// Usage:
//
//	zlconv [options] <impulse.wav> <input.wav> <output.wav>
//
// Options:
//
//	-block      Processing block size in samples
//	-gain       Output gain in dB
//	-normalize  Normalize output peak to -1.0dB
//	-bits       Output bit depth (default: same as input)
//	-tail       Append the impulse response tail (default true)
//	-resampler  sinc or linear, used when the rates differ
//	-log-level  debug, info, warn or error
//
// Options may also be set through ZLCONV_* environment variables or a .env
// file (path in ZLCONV_ENV_FILE).
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	cfg, err := loadConfig(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	level, _ := parseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	start := time.Now()

	res, err := convolveFile(cfg, logger)
	if err != nil {
		return err
	}

	elapsed := time.Since(start)
	logger.Debug("Done", "elapsed", elapsed)

	fmt.Fprintf(stdout, "Convolved %s with %s -> %s\n",
		filepath.Base(cfg.InputPath), filepath.Base(cfg.ImpulsePath), filepath.Base(cfg.OutputPath))
	fmt.Fprintf(stdout, "  %d channels, %.0f Hz, %d-bit\n", res.channels, res.sampleRate, res.bitDepth)
	fmt.Fprintf(stdout, "  %d frames in, %d frames out, %d impulse taps\n",
		res.inputFrames, res.outputFrames, res.taps)
	if res.clipped > 0 {
		fmt.Fprintf(stdout, "  %d samples clipped\n", res.clipped)
	}

	return nil
}
