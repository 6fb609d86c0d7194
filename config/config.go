package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"markerswitch/marker"
	"markerswitch/pkg/ffmpeg"
	"markerswitch/scene"
)

// EnvPrefix prefixes every environment override, e.g. MARKERSWITCH_SOURCE
const EnvPrefix = "MARKERSWITCH_"

// ErrConfigIncomplete is returned when required fields are missing
var ErrConfigIncomplete = errors.New("configuration incomplete")

// MissingFieldsError lists every required field that was left empty
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("%v: missing %s", ErrConfigIncomplete, strings.Join(e.Fields, ", "))
}

func (e *MissingFieldsError) Unwrap() error {
	return ErrConfigIncomplete
}

// ResolutionChoices are the sink resolutions offered for the host input.
// Any other WxH value is accepted too.
var ResolutionChoices = []string{
	"None", "16:9", "16:10", "4:1", "1:1",
	"1920x1080", "1536x864", "1440x810", "1280x720", "1152x648", "1097x617",
	"960x540", "853x480", "768x432", "698x392", "640x360",
}

var (
	sizePattern   = regexp.MustCompile(`^\d+x\d+$`)
	aspectPattern = regexp.MustCompile(`^\d+:\d+$`)
)

// Config represents the complete switcher configuration
type Config struct {
	Source      string `yaml:"source"`       // physical capture device
	Clone       string `yaml:"clone"`        // loopback device the passthrough writes
	PixelFormat string `yaml:"pixel_format"` // ffmpeg -input_format for the source
	FrameRate   int    `yaml:"frame_rate"`   // 0 keeps the device default
	Resolution  string `yaml:"resolution"`   // capture size, "None" keeps the device default

	SceneFrom    string `yaml:"scene_from"`
	SceneTo      string `yaml:"scene_to"`
	Dictionary   string `yaml:"dictionary"`
	Marker       string `yaml:"marker"` // "any" or a marker ID
	StableFrames int    `yaml:"stable_frames"`
	AbsentFrames int    `yaml:"absent_frames"`
	InitialScene bool   `yaml:"initial_scene"` // apply scene_from once at start

	Sink        SinkConfig        `yaml:"sink"`
	OBS         OBSConfig         `yaml:"obs"`
	Passthrough PassthroughConfig `yaml:"passthrough"`
	Capture     CaptureConfig     `yaml:"capture"`
	Trace       TraceConfig       `yaml:"trace"`
	Log         LogConfig         `yaml:"log"`

	SnapshotDir string `yaml:"snapshot_dir"` // annotated JPEG per switch, empty disables
}

// SinkConfig is the host input showing the clone
type SinkConfig struct {
	Name       string `yaml:"name"`
	Resolution string `yaml:"resolution"`
	Provision  bool   `yaml:"provision"` // create the input when missing
}

// OBSConfig contains obs-websocket settings
type OBSConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// PassthroughConfig tunes the duplication process
type PassthroughConfig struct {
	Binary       string        `yaml:"binary"`
	TokenPath    string        `yaml:"token_path"`
	LogLevel     string        `yaml:"log_level"`
	GracePeriod  time.Duration `yaml:"grace_period"`
	StartupProbe time.Duration `yaml:"startup_probe"`
}

// CaptureConfig controls opening the cloned device
type CaptureConfig struct {
	OpenAttempts int           `yaml:"open_attempts"`
	OpenBackoff  time.Duration `yaml:"open_backoff"`
}

// TraceConfig selects the span exporter
type TraceConfig struct {
	Exporter     string  `yaml:"exporter"` // none, stdout, otlp
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// LogConfig controls the default slog handler
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns a configuration with every optional field filled in
func Default() *Config {
	return &Config{
		PixelFormat:  "mjpeg",
		FrameRate:    30,
		Resolution:   "None",
		Dictionary:   marker.Dict4x4_50.String(),
		Marker:       "any",
		StableFrames: scene.DefaultStableFrames,
		AbsentFrames: scene.DefaultAbsentFrames,
		InitialScene: true,
		Sink: SinkConfig{
			Resolution: "None",
			Provision:  true,
		},
		OBS: OBSConfig{
			URL:     "ws://127.0.0.1:4455",
			Timeout: 5 * time.Second,
		},
		Passthrough: PassthroughConfig{
			Binary:       "ffmpeg",
			TokenPath:    ffmpeg.DefaultTokenPath,
			LogLevel:     "error",
			GracePeriod:  3 * time.Second,
			StartupProbe: 500 * time.Millisecond,
		},
		Capture: CaptureConfig{
			OpenAttempts: 10,
			OpenBackoff:  500 * time.Millisecond,
		},
		Trace: TraceConfig{
			Exporter:     "none",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when empty), then a .env file in the working directory, then
// MARKERSWITCH_* environment variables. It does not validate.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// .env only fills variables that are not already set
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"SOURCE":          &c.Source,
		"CLONE":           &c.Clone,
		"PIXEL_FORMAT":    &c.PixelFormat,
		"RESOLUTION":      &c.Resolution,
		"SCENE_FROM":      &c.SceneFrom,
		"SCENE_TO":        &c.SceneTo,
		"DICTIONARY":      &c.Dictionary,
		"MARKER":          &c.Marker,
		"SINK_NAME":       &c.Sink.Name,
		"SINK_RESOLUTION": &c.Sink.Resolution,
		"OBS_URL":         &c.OBS.URL,
		"OBS_PASSWORD":    &c.OBS.Password,
		"FFMPEG":          &c.Passthrough.Binary,
		"TOKEN_PATH":      &c.Passthrough.TokenPath,
		"SNAPSHOT_DIR":    &c.SnapshotDir,
		"TRACE_EXPORTER":  &c.Trace.Exporter,
		"TRACE_ENDPOINT":  &c.Trace.Endpoint,
		"LOG_LEVEL":       &c.Log.Level,
		"LOG_FORMAT":      &c.Log.Format,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"FRAME_RATE":    &c.FrameRate,
		"STABLE_FRAMES": &c.StableFrames,
		"ABSENT_FRAMES": &c.AbsentFrames,
	}
	for key, dst := range ints {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	bools := map[string]*bool{
		"INITIAL_SCENE":  &c.InitialScene,
		"SINK_PROVISION": &c.Sink.Provision,
	}
	for key, dst := range bools {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
			}
			*dst = b
		}
	}
	return nil
}

// Validate reports every missing required field at once, then checks the
// values that must be resolved before any device is touched.
func (c *Config) Validate() error {
	var missing []string
	required := []struct {
		name  string
		value string
	}{
		{"source", c.Source},
		{"clone", c.Clone},
		{"pixel_format", c.PixelFormat},
		{"scene_from", c.SceneFrom},
		{"scene_to", c.SceneTo},
		{"dictionary", c.Dictionary},
		{"sink.name", c.Sink.Name},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return &MissingFieldsError{Fields: missing}
	}

	if _, err := marker.ParseDictionary(c.Dictionary); err != nil {
		return err
	}
	if _, err := marker.ParseCriterion(c.Marker); err != nil {
		return fmt.Errorf("invalid marker: %w", err)
	}
	if err := c.Thresholds().Validate(); err != nil {
		return err
	}
	if err := c.Profile().Validate(); err != nil {
		return err
	}
	if c.Source == c.Clone {
		return fmt.Errorf("source and clone must be different devices")
	}
	if !ValidSinkResolution(c.Sink.Resolution) {
		return fmt.Errorf("invalid sink resolution %q", c.Sink.Resolution)
	}
	return nil
}

// ValidSinkResolution accepts "", None, an aspect ratio or WxH
func ValidSinkResolution(r string) bool {
	return r == "" || r == "None" || aspectPattern.MatchString(r) || sizePattern.MatchString(r)
}

// DictionaryValue resolves the dictionary tag. Call after Validate.
func (c *Config) DictionaryValue() marker.Dictionary {
	d, _ := marker.ParseDictionary(c.Dictionary)
	return d
}

// Criterion resolves the marker setting. Call after Validate.
func (c *Config) Criterion() marker.Criterion {
	crit, _ := marker.ParseCriterion(c.Marker)
	return crit
}

// Thresholds returns the debounce thresholds
func (c *Config) Thresholds() scene.Thresholds {
	return scene.Thresholds{StableFrames: c.StableFrames, AbsentFrames: c.AbsentFrames}
}

// Profile returns how the passthrough reads the source
func (c *Config) Profile() ffmpeg.StreamProfile {
	return ffmpeg.StreamProfile{PixelFormat: c.PixelFormat, FrameRate: c.FrameRate, Resolution: c.Resolution}
}

// Machine builds the switch state machine for this configuration
func (c *Config) Machine() scene.Machine {
	m := scene.NewMachine(c.Criterion(), c.SceneFrom, c.SceneTo)
	m.Thresholds = c.Thresholds()
	return m
}
