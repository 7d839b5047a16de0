package main

import (
	"bytes"
	"flag"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zl-convolver/internal/wavio"
	"zl-convolver/pkg/audiobuf"
)

func writeWAV(t *testing.T, dir, name string, rate float64, bitDepth int, channels ...[]float32) string {
	t.Helper()

	buf, err := audiobuf.FromChannels(channels, rate)
	require.NoError(t, err)

	path := filepath.Join(dir, name)
	_, err = wavio.WriteFile(path, buf, bitDepth)
	require.NoError(t, err)

	return path
}

func readWAV(t *testing.T, path string) *wavio.File {
	t.Helper()

	file, err := wavio.ReadFile(path)
	require.NoError(t, err)

	return file
}

func runArgs(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	err := run(append([]string{"-log-level", "error"}, args...), &stdout, &stderr)

	return stdout.String(), err
}

func assertSamples(t *testing.T, want, got []float32) {
	t.Helper()

	require.Len(t, got, len(want))
	for i := range want {
		assert.InDeltaf(t, want[i], got[i], 1e-4, "sample %d", i)
	}
}

func TestRun_ConvolvesWithTail(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ir := writeWAV(t, dir, "ir.wav", 44100, 16, []float32{1, 0.5})
	in := writeWAV(t, dir, "in.wav", 44100, 16, []float32{0.5, 0, 0, 0.25})
	out := filepath.Join(dir, "out.wav")

	stdout, err := runArgs(t, "-block", "3", ir, in, out)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Convolved in.wav with ir.wav -> out.wav")
	assert.Contains(t, stdout, "4 frames in, 5 frames out, 2 impulse taps")

	file := readWAV(t, out)
	assert.Equal(t, 16, file.BitDepth)
	assertSamples(t, []float32{0.5, 0.25, 0, 0.25, 0.125}, file.Buffer.Channel(0))
}

func TestRun_WithoutTail(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ir := writeWAV(t, dir, "ir.wav", 44100, 16, []float32{1, 0.5})
	in := writeWAV(t, dir, "in.wav", 44100, 16, []float32{0.5, 0, 0, 0.25})
	out := filepath.Join(dir, "out.wav")

	_, err := runArgs(t, "-tail=false", ir, in, out)
	require.NoError(t, err)

	assertSamples(t, []float32{0.5, 0.25, 0, 0.25}, readWAV(t, out).Buffer.Channel(0))
}

func TestRun_UpmixesMonoInput(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ir := writeWAV(t, dir, "ir.wav", 48000, 24, []float32{1}, []float32{0.5})
	in := writeWAV(t, dir, "in.wav", 48000, 24, []float32{1, 0.5})
	out := filepath.Join(dir, "out.wav")

	_, err := runArgs(t, ir, in, out)
	require.NoError(t, err)

	file := readWAV(t, out)
	require.Equal(t, 2, file.Buffer.NumChannels())
	assertSamples(t, []float32{1, 0.5}, file.Buffer.Channel(0))
	assertSamples(t, []float32{0.5, 0.25}, file.Buffer.Channel(1))
}

func TestRun_UpmixesMonoImpulse(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ir := writeWAV(t, dir, "ir.wav", 48000, 16, []float32{0.5})
	in := writeWAV(t, dir, "in.wav", 48000, 16, []float32{0.5, 0.25}, []float32{-0.5, 0})
	out := filepath.Join(dir, "out.wav")

	_, err := runArgs(t, ir, in, out)
	require.NoError(t, err)

	file := readWAV(t, out)
	require.Equal(t, 2, file.Buffer.NumChannels())
	assertSamples(t, []float32{0.25, 0.125}, file.Buffer.Channel(0))
	assertSamples(t, []float32{-0.25, 0}, file.Buffer.Channel(1))
}

func TestRun_RejectsChannelMismatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ir := writeWAV(t, dir, "ir.wav", 48000, 16, []float32{1}, []float32{1}, []float32{1})
	in := writeWAV(t, dir, "in.wav", 48000, 16, []float32{1}, []float32{1})

	_, err := runArgs(t, ir, in, filepath.Join(dir, "out.wav"))
	require.ErrorContains(t, err, "cannot convolve 2 channel input with 3 channel impulse")
}

func TestRun_ResamplesImpulse(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	ones := make([]float32, 50)
	for i := range ones {
		ones[i] = 1
	}
	ir := writeWAV(t, dir, "ir.wav", 22050, 16, ones)
	in := writeWAV(t, dir, "in.wav", 44100, 16, []float32{0.5})
	out := filepath.Join(dir, "out.wav")

	stdout, err := runArgs(t, "-resampler", "linear", ir, in, out)
	require.NoError(t, err)
	assert.Contains(t, stdout, "100 impulse taps")

	file := readWAV(t, out)
	assert.InDelta(t, 44100.0, file.Buffer.SampleRate(), 0)
	require.Equal(t, 100, file.Buffer.NumSamples())

	// Twice the taps at half the gain.
	for i, v := range file.Buffer.Channel(0) {
		require.InDeltaf(t, 0.25, v, 1e-4, "sample %d", i)
	}
}

func TestRun_GainAndBitDepth(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ir := writeWAV(t, dir, "ir.wav", 44100, 16, []float32{1})
	in := writeWAV(t, dir, "in.wav", 44100, 16, []float32{0.5, -0.5})
	out := filepath.Join(dir, "out.wav")

	halfDB := strconv.FormatFloat(20*math.Log10(0.5), 'f', -1, 64)

	_, err := runArgs(t, "-gain", halfDB, "-bits", "24", ir, in, out)
	require.NoError(t, err)

	file := readWAV(t, out)
	assert.Equal(t, 24, file.BitDepth)
	assertSamples(t, []float32{0.25, -0.25}, file.Buffer.Channel(0))
}

func TestRun_Normalize(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ir := writeWAV(t, dir, "ir.wav", 44100, 16, []float32{1})
	in := writeWAV(t, dir, "in.wav", 44100, 16, []float32{0.25, -0.125})
	out := filepath.Join(dir, "out.wav")

	_, err := runArgs(t, "-normalize", ir, in, out)
	require.NoError(t, err)

	target := float32(math.Pow(10, -1.0/20))
	assertSamples(t, []float32{target, -target / 2}, readWAV(t, out).Buffer.Channel(0))
}

func TestRun_ReportsClipping(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ir := writeWAV(t, dir, "ir.wav", 44100, 16, []float32{0.75, 0.75})
	in := writeWAV(t, dir, "in.wav", 44100, 16, []float32{0.75, 0.75})

	stdout, err := runArgs(t, "-tail=false", ir, in, filepath.Join(dir, "out.wav"))
	require.NoError(t, err)
	assert.Contains(t, stdout, "1 samples clipped")
}

func TestRun_MissingInput(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ir := writeWAV(t, dir, "ir.wav", 44100, 16, []float32{1})

	_, err := runArgs(t, ir, filepath.Join(dir, "missing.wav"), filepath.Join(dir, "out.wav"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestRun_Usage(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	require.NoError(t, run([]string{"-h"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Usage: zlconv")

	stderr.Reset()
	require.ErrorIs(t, run([]string{"only.wav", "two.wav"}, &stdout, &stderr), errUsage)
	assert.Contains(t, stderr.String(), "Usage: zlconv")

	require.Error(t, run([]string{"-no-such-flag", "a", "b", "c"}, &stdout, &stderr))
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := loadConfig([]string{"ir.wav", "in.wav", "out.wav"}, &bytes.Buffer{})
	require.NoError(t, err)

	want := defaultConfig()
	want.ImpulsePath, want.InputPath, want.OutputPath = "ir.wav", "in.wav", "out.wav"
	assert.Equal(t, want, cfg)
}

func TestLoadConfig_Layering(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "zlconv.env")
	require.NoError(t, os.WriteFile(envFile, []byte(
		"ZLCONV_BLOCK_SIZE=64\nZLCONV_RESAMPLER=LINEAR\nZLCONV_GAIN_DB=-3\nZLCONV_TAIL=false\n"), 0o600))

	t.Setenv("ZLCONV_ENV_FILE", envFile)
	t.Setenv("ZLCONV_BLOCK_SIZE", "128")
	t.Setenv("ZLCONV_LOG_LEVEL", "debug")

	args := []string{"ir.wav", "in.wav", "out.wav"}

	cfg, err := loadConfig(args, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 128, cfg.BlockSize, "environment beats .env")
	assert.Equal(t, "linear", cfg.Resampler, ".env beats defaults")
	assert.InDelta(t, -3.0, cfg.GainDB, 0)
	assert.False(t, cfg.Tail)
	assert.Equal(t, "debug", cfg.LogLevel)

	cfg, err = loadConfig(append([]string{"-block", "32", "-tail"}, args...), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.BlockSize, "flags beat environment")
	assert.True(t, cfg.Tail)
}

func TestLoadConfig_BadEnvironment(t *testing.T) {
	t.Setenv("ZLCONV_ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))
	t.Setenv("ZLCONV_LOBES", "many")

	_, err := loadConfig([]string{"ir.wav", "in.wav", "out.wav"}, &bytes.Buffer{})
	require.ErrorContains(t, err, "ZLCONV_LOBES")
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		cfg := defaultConfig()
		cfg.ImpulsePath, cfg.InputPath, cfg.OutputPath = "a", "b", "c"
		return cfg
	}

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"missing path", func(c *Config) { c.OutputPath = "" }},
		{"zero block", func(c *Config) { c.BlockSize = 0 }},
		{"odd bit depth", func(c *Config) { c.BitDepth = 20 }},
		{"min order too low", func(c *Config) { c.MinBlockOrder = 5 }},
		{"max below min", func(c *Config) { c.MinBlockOrder, c.MaxBlockOrder = 9, 8 }},
		{"max order too high", func(c *Config) { c.MaxBlockOrder = 21 }},
		{"unknown resampler", func(c *Config) { c.Resampler = "cubic" }},
		{"unknown log level", func(c *Config) { c.LogLevel = "loud" }},
	}

	cfg := valid()
	require.NoError(t, cfg.Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := valid()
			tt.modify(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestHelpIsNotAnError(t *testing.T) {
	t.Parallel()

	_, err := loadConfig([]string{"-help"}, &bytes.Buffer{})
	require.ErrorIs(t, err, flag.ErrHelp)
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	buf, err := audiobuf.FromChannels([][]float32{{0.1, -0.4}, {0.2, 0}}, 44100)
	require.NoError(t, err)

	normalize(buf, 0)
	assert.InDelta(t, -1.0, buf.Channel(0)[1], 1e-6)
	assert.InDelta(t, 0.5, buf.Channel(1)[0], 1e-6)

	silent, err := audiobuf.New(1, 4)
	require.NoError(t, err)
	normalize(silent, -1)
	assert.InDelta(t, 0.0, silent.Sum(), 0)
}
