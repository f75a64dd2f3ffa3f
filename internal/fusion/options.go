package fusion

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/posefusion/internal/config"
	"github.com/banshee-data/posefusion/internal/datalog"
	"github.com/banshee-data/posefusion/internal/estimator"
	"github.com/banshee-data/posefusion/internal/imusync"
	"github.com/banshee-data/posefusion/internal/monitor"
	"github.com/banshee-data/posefusion/internal/publish"
	"github.com/banshee-data/posefusion/internal/tracker"
)

const (
	DefaultPollInterval   = 10 * time.Millisecond
	DefaultStatusInterval = time.Second
	// DefaultPublishTimeout bounds all publishes of one cycle together.
	DefaultPublishTimeout = 50 * time.Millisecond
)

// Options configures a Loop. Publisher, Datalog, IMU and Monitor are
// optional.
type Options struct {
	PollInterval    time.Duration
	StatusInterval  time.Duration
	PublishTimeout  time.Duration
	HistoryDuration time.Duration
	Strategy        estimator.Strategy
	Tracker         tracker.Config
	Labels          []string

	Publisher publish.Publisher
	// Datalog writes go through a queue of DatalogQueue entries drained by
	// a writer goroutine; Loop.Close waits for it.
	Datalog      *datalog.DB
	DatalogQueue int
	Run          uuid.UUID
	// IMU, when set, is the clock inbound odometry is stamped on. Its host
	// clock must be the wall clock.
	IMU     *imusync.Sync
	Monitor *monitor.Store
}

// OptionsFromConfig fills the tuning fields of Options from cfg.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	strategy, err := estimator.ParseStrategy(cfg.GetFusionStrategy())
	if err != nil {
		return Options{}, fmt.Errorf("fusion strategy: %w", err)
	}
	tc := cfg.Tracker
	return Options{
		PollInterval:    cfg.GetPollInterval(),
		StatusInterval:  DefaultStatusInterval,
		PublishTimeout:  DefaultPublishTimeout,
		HistoryDuration: cfg.GetHistoryDuration(),
		Strategy:        strategy,
		Tracker: tracker.Config{
			ClusterDistance:  tc.GetClusterDistance(),
			MinDepth:         tc.GetMinDepth(),
			MinDetections:    tc.GetMinDetections(),
			Alpha:            tc.GetAlpha(),
			DetectedDuration: tc.GetDetectedDuration(),
			HistoryDuration:  tc.GetHistoryDuration(),
		},
		Labels: cfg.Labels,
	}, nil
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.StatusInterval <= 0 {
		o.StatusInterval = DefaultStatusInterval
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = DefaultPublishTimeout
	}
	if o.DatalogQueue <= 0 {
		o.DatalogQueue = DefaultDatalogQueue
	}
	if o.Tracker == (tracker.Config{}) {
		o.Tracker = tracker.DefaultConfig()
	}
}

func (o *Options) labelID(label string) int {
	for i, l := range o.Labels {
		if l == label {
			return i
		}
	}
	return -1
}
