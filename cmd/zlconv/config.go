package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"zl-convolver/dsp"
)

// envPrefix is prepended to every environment key.
const envPrefix = "ZLCONV_"

var errUsage = errors.New("usage: zlconv [options] <impulse.wav> <input.wav> <output.wav>")

// Config holds everything a run needs. Values are layered: defaults, then
// the .env file, then the process environment, then flags.
type Config struct {
	ImpulsePath string
	InputPath   string
	OutputPath  string

	BlockSize     int
	GainDB        float64
	Normalize     bool
	BitDepth      int // 0 keeps the input depth
	Tail          bool
	MinBlockOrder int
	MaxBlockOrder int
	Resampler     string
	Lobes         int
	LogLevel      string
}

func defaultConfig() Config {
	return Config{
		BlockSize:     256,
		Tail:          true,
		MinBlockOrder: dsp.DefaultMinBlockOrder,
		MaxBlockOrder: dsp.DefaultMaxBlockOrder,
		Resampler:     "sinc",
		Lobes:         16,
		LogLevel:      "info",
	}
}

// Validate checks value ranges. Paths are checked when files are opened.
func (c *Config) Validate() error {
	if c.ImpulsePath == "" || c.InputPath == "" || c.OutputPath == "" {
		return errUsage
	}

	if c.BlockSize < 1 {
		return fmt.Errorf("block size must be positive, got %d", c.BlockSize)
	}

	switch c.BitDepth {
	case 0, 8, 16, 24, 32:
	default:
		return fmt.Errorf("bit depth must be 8, 16, 24 or 32, got %d", c.BitDepth)
	}

	if c.MinBlockOrder < dsp.MinBlockOrderLimit || c.MaxBlockOrder > dsp.MaxBlockOrderLimit ||
		c.MinBlockOrder > c.MaxBlockOrder {
		return fmt.Errorf("block orders must satisfy %d <= min (%d) <= max (%d) <= %d",
			dsp.MinBlockOrderLimit, c.MinBlockOrder, c.MaxBlockOrder, dsp.MaxBlockOrderLimit)
	}

	switch c.Resampler {
	case "sinc", "linear":
	default:
		return fmt.Errorf("resampler must be sinc or linear, got %q", c.Resampler)
	}

	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}

	return level, nil
}

// environment resolves keys against the process environment first and the
// .env file second.
type environment map[string]string

func loadEnvironment(envFile string) (environment, error) {
	env, err := godotenv.Read(envFile)
	if errors.Is(err, fs.ErrNotExist) {
		return environment{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	return env, nil
}

func (e environment) lookup(key string) (string, bool) {
	key = envPrefix + key
	if v, ok := os.LookupEnv(key); ok {
		return v, true
	}
	v, ok := e[key]

	return v, ok
}

func (e environment) apply(cfg *Config) error {
	ints := map[string]*int{
		"BLOCK_SIZE":      &cfg.BlockSize,
		"BIT_DEPTH":       &cfg.BitDepth,
		"MIN_BLOCK_ORDER": &cfg.MinBlockOrder,
		"MAX_BLOCK_ORDER": &cfg.MaxBlockOrder,
		"LOBES":           &cfg.Lobes,
	}
	for key, dst := range ints {
		if v, ok := e.lookup(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, key, err)
			}
			*dst = n
		}
	}

	bools := map[string]*bool{
		"NORMALIZE": &cfg.Normalize,
		"TAIL":      &cfg.Tail,
	}
	for key, dst := range bools {
		if v, ok := e.lookup(key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, key, err)
			}
			*dst = b
		}
	}

	if v, ok := e.lookup("GAIN_DB"); ok {
		g, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("%sGAIN_DB: %w", envPrefix, err)
		}
		cfg.GainDB = g
	}

	if v, ok := e.lookup("RESAMPLER"); ok {
		cfg.Resampler = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := e.lookup("LOG_LEVEL"); ok {
		cfg.LogLevel = strings.TrimSpace(v)
	}

	return nil
}

// loadConfig builds the configuration for args (without the program name).
// Usage goes to output. flag.ErrHelp is returned for -h.
func loadConfig(args []string, output io.Writer) (Config, error) {
	cfg := defaultConfig()

	envFile := os.Getenv(envPrefix + "ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}

	env, err := loadEnvironment(envFile)
	if err != nil {
		return cfg, err
	}
	if err := env.apply(&cfg); err != nil {
		return cfg, err
	}

	flags := flag.NewFlagSet("zlconv", flag.ContinueOnError)
	flags.SetOutput(output)
	flags.Usage = func() {
		fmt.Fprintf(output, "Usage: zlconv [options] <impulse.wav> <input.wav> <output.wav>\n\n")
		fmt.Fprintf(output, "Convolves a WAV file with a WAV impulse response, without added latency.\n\n")
		fmt.Fprintf(output, "Options:\n")
		flags.PrintDefaults()
		fmt.Fprintf(output, "\nEvery option can also be set as %s<NAME> in the environment or .env.\n", envPrefix)
		fmt.Fprintf(output, "\nExamples:\n")
		fmt.Fprintf(output, "  zlconv hall.wav dry.wav wet.wav\n")
		fmt.Fprintf(output, "  zlconv -block 64 -gain -6 -bits 24 plate.wav vocal.wav vocal_plate.wav\n")
	}

	flags.IntVar(&cfg.BlockSize, "block", cfg.BlockSize, "Processing block size in samples")
	flags.Float64Var(&cfg.GainDB, "gain", cfg.GainDB, "Output gain in dB")
	flags.BoolVar(&cfg.Normalize, "normalize", cfg.Normalize, "Normalize output peak to -1.0dB (applied after -gain)")
	flags.IntVar(&cfg.BitDepth, "bits", cfg.BitDepth, "Output bit depth: 8, 16, 24 or 32 (default: same as input)")
	flags.BoolVar(&cfg.Tail, "tail", cfg.Tail, "Append the impulse response tail after the input")
	flags.IntVar(&cfg.MinBlockOrder, "min-order", cfg.MinBlockOrder, "log2 of the time-domain head length")
	flags.IntVar(&cfg.MaxBlockOrder, "max-order", cfg.MaxBlockOrder, "log2 of the largest FFT partition")
	flags.StringVar(&cfg.Resampler, "resampler", cfg.Resampler, "Impulse resampler when rates differ: sinc or linear")
	flags.IntVar(&cfg.Lobes, "lobes", cfg.Lobes, "Sinc lobes per side (4-64)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")

	if err := flags.Parse(args); err != nil {
		return cfg, err
	}

	if flags.NArg() != 3 {
		flags.Usage()
		return cfg, errUsage
	}
	cfg.ImpulsePath = flags.Arg(0)
	cfg.InputPath = flags.Arg(1)
	cfg.OutputPath = flags.Arg(2)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}
