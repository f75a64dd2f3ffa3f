package worker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/posefusion/internal/config"
	"github.com/banshee-data/posefusion/internal/geom"
	"github.com/banshee-data/posefusion/internal/monitoring"
)

var logs = monitoring.NewStreams("[worker] ")

var (
	// ErrWorkerFailed is returned once a non-optional worker has used up
	// its restart budget.
	ErrWorkerFailed = errors.New("worker failed")
	// ErrNotRunning is returned when commanding a worker with no process.
	ErrNotRunning = errors.New("worker not running")
	// ErrCommandTimeout is returned when a command could not be written in
	// time.
	ErrCommandTimeout = errors.New("worker command timed out")
	// ErrConfigResolution marks a camera whose configuration references
	// missing resources.
	ErrConfigResolution = errors.New("camera configuration unresolved")
)

// InitConfig is everything needed to launch and supervise one camera worker.
type InitConfig struct {
	Name            string
	Optional        bool
	MaxRestartTries int
	RobotToCamera   geom.Transform
	BlobPath        string
	TagLayoutPath   string
	RateHz          float64
	Synthetic       config.SyntheticConfig
}

// InitConfigFromCamera builds an InitConfig from a camera config entry.
func InitConfigFromCamera(cam config.CameraConfig) InitConfig {
	cfg := InitConfig{
		Name:            cam.Name,
		Optional:        cam.Optional,
		MaxRestartTries: cam.GetMaxRestartTries(),
		RobotToCamera:   cam.RobotToCamera.Transform(),
		BlobPath:        cam.BlobPath,
		TagLayoutPath:   cam.TagLayoutPath,
		RateHz:          cam.GetRateHz(),
	}
	if cam.Synthetic != nil {
		cfg.Synthetic = *cam.Synthetic
	}
	return cfg
}

// Resolve checks that every file the worker will need exists. A failure
// wraps ErrConfigResolution.
func (c InitConfig) Resolve() error {
	for what, path := range map[string]string{"blob": c.BlobPath, "tag layout": c.TagLayoutPath} {
		if path == "" {
			continue
		}
		info, err := os.Stat(filepath.Clean(path))
		if err != nil {
			return fmt.Errorf("%w: camera %s %s: %v", ErrConfigResolution, c.Name, what, err)
		}
		if info.IsDir() {
			return fmt.Errorf("%w: camera %s %s %s is a directory", ErrConfigResolution, c.Name, what, path)
		}
	}
	if c.TagLayoutPath != "" {
		if _, err := LoadTagLayout(c.TagLayoutPath); err != nil {
			return fmt.Errorf("%w: camera %s: %v", ErrConfigResolution, c.Name, err)
		}
	}
	return nil
}

// Tag is a fiducial tag fixed in the field frame.
type Tag struct {
	ID int     `yaml:"id"`
	X  float64 `yaml:"x"`
	Y  float64 `yaml:"y"`
	Z  float64 `yaml:"z"`
}

// LoadTagLayout reads a YAML file of the form `tags: [{id, x, y, z}]`.
func LoadTagLayout(path string) ([]Tag, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read tag layout: %w", err)
	}
	var layout struct {
		Tags []Tag `yaml:"tags"`
	}
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return nil, fmt.Errorf("parse tag layout %s: %w", filepath.Base(path), err)
	}
	if len(layout.Tags) == 0 {
		return nil, fmt.Errorf("tag layout %s has no tags", filepath.Base(path))
	}
	return layout.Tags, nil
}
