package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"markerswitch/marker"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
}

func validConfig() *Config {
	cfg := Default()
	cfg.Source = "/dev/video0"
	cfg.Clone = "/dev/video10"
	cfg.SceneFrom = "Scene A"
	cfg.SceneTo = "Scene B"
	cfg.Sink.Name = "ArUco Sink"
	return cfg
}

func TestValidateReportsAllMissingFields(t *testing.T) {
	cfg := Default()
	cfg.Dictionary = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigIncomplete))

	var missing *MissingFieldsError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, []string{"source", "clone", "scene_from", "scene_to", "dictionary", "sink.name"}, missing.Fields)
}

func TestValidateUnknownDictionary(t *testing.T) {
	cfg := validConfig()
	cfg.Dictionary = "DICT_9X9_1"
	assert.True(t, errors.Is(cfg.Validate(), marker.ErrUnknownDictionary))
}

func TestValidateValues(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cases := map[string]func(*Config){
		"bad marker":          func(c *Config) { c.Marker = "seven" },
		"negative absent":     func(c *Config) { c.AbsentFrames = -1 },
		"bad resolution":      func(c *Config) { c.Resolution = "big" },
		"same device":         func(c *Config) { c.Clone = c.Source },
		"bad sink resolution": func(c *Config) { c.Sink.Resolution = "wide" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(cfg)
			err := cfg.Validate()
			assert.Error(t, err)
			assert.False(t, errors.Is(err, ErrConfigIncomplete))
		})
	}
}

func TestSinkResolutionChoicesAreValid(t *testing.T) {
	for _, r := range ResolutionChoices {
		assert.True(t, ValidSinkResolution(r), r)
	}
	assert.True(t, ValidSinkResolution("3840x2160"))
	assert.False(t, ValidSinkResolution("1920 x 1080"))
}

func TestLoadLayersYAMLAndEnv(t *testing.T) {
	// keep godotenv away from any .env in the package directory
	chdir(t, t.TempDir())

	path := filepath.Join(t.TempDir(), "markerswitch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
source: /dev/video0
clone: /dev/video10
scene_from: Scene A
scene_to: Scene B
marker: "42"
absent_frames: 40
sink:
  name: ArUco Sink
  resolution: "16:9"
obs:
  timeout: 2s
`), 0644))

	t.Setenv("MARKERSWITCH_SCENE_TO", "Close-up")
	t.Setenv("MARKERSWITCH_STABLE_FRAMES", "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/dev/video0", cfg.Source)
	assert.Equal(t, "Close-up", cfg.SceneTo, "env wins over the file")
	assert.Equal(t, 3, cfg.StableFrames)
	assert.Equal(t, 40, cfg.AbsentFrames)
	assert.Equal(t, 2*time.Second, cfg.OBS.Timeout)
	assert.Equal(t, "mjpeg", cfg.PixelFormat, "defaults survive")
	assert.Equal(t, marker.Specific(42), cfg.Criterion())
	assert.Equal(t, marker.Dict4x4_50, cfg.DictionaryValue())

	m := cfg.Machine()
	assert.Equal(t, "Scene A", m.From)
	assert.Equal(t, "Close-up", m.To)
	assert.Equal(t, 40, m.Thresholds.AbsentFrames)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("MARKERSWITCH_SOURCE=/dev/video2\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("MARKERSWITCH_SOURCE") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/dev/video2", cfg.Source)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("MARKERSWITCH_FRAME_RATE", "fast")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
