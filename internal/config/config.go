// Package config loads the posefusion configuration file and process
// environment. Optional settings are pointer fields; the Get* methods supply
// defaults for anything the file leaves out.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/posefusion/internal/geom"
)

// DefaultConfigPath is the config file used when none is given.
const DefaultConfigPath = "posefusion.yaml"

const maxFileSize = 1 * 1024 * 1024

// Config is the root of the configuration file.
type Config struct {
	HistoryDuration *string `json:"history_duration,omitempty" yaml:"history_duration,omitempty"`
	PollInterval    *string `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	FusionStrategy  *string `json:"fusion_strategy,omitempty" yaml:"fusion_strategy,omitempty" validate:"omitempty,oneof=lowest_error closest_to_last weighted_average"`

	// Labels fixes the numeric label id published with each object; the id
	// is the label's index in this list.
	Labels []string `json:"labels,omitempty" yaml:"labels,omitempty" validate:"dive,required"`

	Tracker TrackerConfig  `json:"tracker" yaml:"tracker"`
	Cameras []CameraConfig `json:"cameras" yaml:"cameras" validate:"dive"`
	IMU     *IMUConfig     `json:"imu,omitempty" yaml:"imu,omitempty"`
}

// TrackerConfig holds the object tracker parameters.
type TrackerConfig struct {
	ClusterDistance  *float64 `json:"cluster_distance,omitempty" yaml:"cluster_distance,omitempty" validate:"omitempty,gt=0"`
	MinDepth         *float64 `json:"min_depth,omitempty" yaml:"min_depth,omitempty" validate:"omitempty,gt=0"`
	MinDetections    *int     `json:"min_detections,omitempty" yaml:"min_detections,omitempty" validate:"omitempty,min=1"`
	Alpha            *float64 `json:"alpha,omitempty" yaml:"alpha,omitempty" validate:"omitempty,gt=0,lte=1"`
	DetectedDuration *string  `json:"detected_duration,omitempty" yaml:"detected_duration,omitempty"`
	HistoryDuration  *string  `json:"history_duration,omitempty" yaml:"history_duration,omitempty"`
}

// CameraConfig describes one camera worker.
type CameraConfig struct {
	Name            string     `json:"name" yaml:"name" validate:"required,printascii,excludesall=/"`
	Optional        bool       `json:"optional,omitempty" yaml:"optional,omitempty"`
	MaxRestartTries *int       `json:"max_restart_tries,omitempty" yaml:"max_restart_tries,omitempty" validate:"omitempty,min=1"`
	RobotToCamera   PoseConfig `json:"robot_to_camera" yaml:"robot_to_camera"`

	// BlobPath is the detection model; TagLayoutPath the fiducial tag
	// field layout. Either may be empty when the camera does not detect
	// objects or tags.
	BlobPath      string `json:"blob_path,omitempty" yaml:"blob_path,omitempty"`
	TagLayoutPath string `json:"tag_layout_path,omitempty" yaml:"tag_layout_path,omitempty"`

	RateHz    *float64         `json:"rate_hz,omitempty" yaml:"rate_hz,omitempty" validate:"omitempty,gt=0,lte=1000"`
	Synthetic *SyntheticConfig `json:"synthetic,omitempty" yaml:"synthetic,omitempty"`
}

// SyntheticConfig drives the built-in synthetic sensor source.
type SyntheticConfig struct {
	Radius      float64          `json:"radius" yaml:"radius" validate:"gte=0"`
	Speed       float64          `json:"speed" yaml:"speed"`
	Noise       float64          `json:"noise" yaml:"noise" validate:"gte=0"`
	ClockSkewMs int64            `json:"clock_skew_ms,omitempty" yaml:"clock_skew_ms,omitempty"`
	TagEvery    int              `json:"tag_every,omitempty" yaml:"tag_every,omitempty" validate:"gte=0"`
	Landmarks   []LandmarkConfig `json:"landmarks,omitempty" yaml:"landmarks,omitempty" validate:"dive"`
}

// LandmarkConfig is a static object in the field frame.
type LandmarkConfig struct {
	Label string  `json:"label" yaml:"label" validate:"required"`
	X     float64 `json:"x" yaml:"x"`
	Y     float64 `json:"y" yaml:"y"`
	Z     float64 `json:"z" yaml:"z"`
}

// PoseConfig is a transform given as translation plus roll/pitch/yaw in
// degrees.
type PoseConfig struct {
	X     float64 `json:"x" yaml:"x"`
	Y     float64 `json:"y" yaml:"y"`
	Z     float64 `json:"z" yaml:"z"`
	Roll  float64 `json:"roll" yaml:"roll"`
	Pitch float64 `json:"pitch" yaml:"pitch"`
	Yaw   float64 `json:"yaw" yaml:"yaw"`
}

// IMUConfig enables the serial IMU clock synchronisation source.
type IMUConfig struct {
	Port string `json:"port" yaml:"port" validate:"required"`
	Baud int    `json:"baud,omitempty" yaml:"baud,omitempty" validate:"omitempty,min=1200"`
}

// Transform converts p to a rigid transform, applying yaw then pitch then
// roll in the body frame.
func (p PoseConfig) Transform() geom.Transform {
	rad := math.Pi / 180
	yaw := geom.FromXYYaw(0, 0, p.Yaw*rad)
	pitch := geom.NewTransform(geom.Vec(0, 0, 0), geom.AxisAngle(geom.Vec(0, 1, 0), p.Pitch*rad))
	roll := geom.NewTransform(geom.Vec(0, 0, 0), geom.AxisAngle(geom.Vec(1, 0, 0), p.Roll*rad))
	rot := yaw.Compose(pitch).Compose(roll)
	return geom.NewTransform(geom.Vec(p.X, p.Y, p.Z), rot.Rotation)
}

// Load reads a .yaml, .yml or .json config file and validates it.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".yaml" && ext != ".yml" && ext != ".json" {
		return nil, fmt.Errorf("config file must be .yaml, .yml or .json, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filepath.Base(cleanPath), err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

var validate = validator.New()

// Validate runs the struct tag rules, then the checks tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	durations := map[string]*string{
		"history_duration":          c.HistoryDuration,
		"poll_interval":             c.PollInterval,
		"tracker.detected_duration": c.Tracker.DetectedDuration,
		"tracker.history_duration":  c.Tracker.HistoryDuration,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	seen := make(map[string]bool, len(c.Cameras))
	for _, cam := range c.Cameras {
		if seen[cam.Name] {
			return fmt.Errorf("duplicate camera name %q", cam.Name)
		}
		seen[cam.Name] = true
	}
	return nil
}

// Camera returns the camera named name.
func (c *Config) Camera(name string) (CameraConfig, bool) {
	for _, cam := range c.Cameras {
		if cam.Name == name {
			return cam, true
		}
	}
	return CameraConfig{}, false
}

// LabelID returns label's index in Labels, or -1.
func (c *Config) LabelID(label string) int {
	for i, l := range c.Labels {
		if l == label {
			return i
		}
	}
	return -1
}

func parseDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetHistoryDuration returns the pose history window.
func (c *Config) GetHistoryDuration() time.Duration {
	return parseDuration(c.HistoryDuration, 5*time.Second)
}

// GetPollInterval returns the fusion loop period.
func (c *Config) GetPollInterval() time.Duration {
	return parseDuration(c.PollInterval, 10*time.Millisecond)
}

// GetFusionStrategy returns the multi-observation fusion strategy name.
func (c *Config) GetFusionStrategy() string {
	if c.FusionStrategy == nil || *c.FusionStrategy == "" {
		return "lowest_error"
	}
	return *c.FusionStrategy
}

// GetClusterDistance returns the tracker clustering threshold.
func (t *TrackerConfig) GetClusterDistance() float64 {
	if t.ClusterDistance == nil {
		return 0.3
	}
	return *t.ClusterDistance
}

// GetMinDepth returns the tracker depth floor in metres.
func (t *TrackerConfig) GetMinDepth() float64 {
	if t.MinDepth == nil {
		return 0.5
	}
	return *t.MinDepth
}

// GetMinDetections returns the detections needed before a track is reported.
func (t *TrackerConfig) GetMinDetections() int {
	if t.MinDetections == nil {
		return 2
	}
	return *t.MinDetections
}

// GetAlpha returns the tracker EMA weight.
func (t *TrackerConfig) GetAlpha() float64 {
	if t.Alpha == nil {
		return 0.2
	}
	return *t.Alpha
}

// GetDetectedDuration returns the unconfirmed-track timeout.
func (t *TrackerConfig) GetDetectedDuration() time.Duration {
	return parseDuration(t.DetectedDuration, 500*time.Millisecond)
}

// GetHistoryDuration returns the stale-track timeout.
func (t *TrackerConfig) GetHistoryDuration() time.Duration {
	return parseDuration(t.HistoryDuration, 3*time.Second)
}

// GetMaxRestartTries returns the restart budget for the camera's worker.
func (c *CameraConfig) GetMaxRestartTries() int {
	if c.MaxRestartTries == nil {
		return 3
	}
	return *c.MaxRestartTries
}

// GetRateHz returns the camera frame rate.
func (c *CameraConfig) GetRateHz() float64 {
	if c.RateHz == nil {
		return 30
	}
	return *c.RateHz
}

// GetBaud returns the IMU serial baud rate.
func (i *IMUConfig) GetBaud() int {
	if i.Baud == 0 {
		return 115200
	}
	return i.Baud
}
