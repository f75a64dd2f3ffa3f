package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/posefusion/internal/clock"
	"github.com/banshee-data/posefusion/internal/config"
	"github.com/banshee-data/posefusion/internal/datalog"
	"github.com/banshee-data/posefusion/internal/fusion"
	"github.com/banshee-data/posefusion/internal/imusync"
	"github.com/banshee-data/posefusion/internal/monitor"
	"github.com/banshee-data/posefusion/internal/monitoring"
	"github.com/banshee-data/posefusion/internal/publish"
	"github.com/banshee-data/posefusion/internal/version"
	"github.com/banshee-data/posefusion/internal/worker"
)

var logs = monitoring.NewStreams("[posefusion] ")

const shutdownTimeout = 5 * time.Second

func newRunCmd(g *globals) *cobra.Command {
	var inProcess bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the fusion daemon",
		Long:  `Start every configured camera worker, the fusion loop, the MQTT transport and the monitor HTTP server, and run until interrupted.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, g, inProcess)
		},
	}
	cmd.Flags().BoolVar(&inProcess, "in-process", false, "run camera workers as goroutines instead of child processes")
	return cmd
}

func runDaemon(ctx context.Context, g *globals, inProcess bool) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	opts, err := fusion.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	logs.Opsf("%s starting with %d cameras", version.String(), len(cfg.Cameras))

	var launcher worker.Launcher = &worker.InProcessLauncher{}
	if !inProcess {
		launcher, err = worker.SelfLauncher("--config", g.configPath, "--log-level", g.logLevel)
		if err != nil {
			return err
		}
	}
	manager := worker.NewManager(launcher)
	for _, cam := range cfg.Cameras {
		if _, err := manager.Add(worker.InitConfigFromCamera(cam)); err != nil && !errors.Is(err, worker.ErrConfigResolution) {
			return err
		}
	}

	if g.env.DatalogPath != "" {
		db, run, err := openDatalog(ctx, g.env.DatalogPath, cfg)
		if err != nil {
			return err
		}
		defer func() {
			endCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := db.EndRun(endCtx, run, time.Now()); err != nil {
				logs.Opsf("%v", err)
			}
			db.Close()
		}()
		opts.Datalog, opts.Run = db, run
	}

	if cfg.IMU != nil {
		opts.IMU = imusync.New(clock.Wall(), imusync.DefaultWindow)
	}

	var mq *publish.MQTT
	if g.env.MQTTURL != "" {
		clientID := g.env.MQTTClient
		if clientID == "" {
			clientID = "posefusion-" + version.Short()
		}
		mq, err = publish.Dial(publish.Options{
			URL:      g.env.MQTTURL,
			ClientID: clientID,
			Prefix:   g.env.MQTTPrefix,
			QoS:      g.env.MQTTQoS,
			Timeout:  g.env.MQTTTimeout,
		})
		if err != nil {
			return err
		}
		defer mq.Close()
		opts.Publisher = mq
	} else {
		logs.Opsf("no MQTT broker configured, results are only visible on the monitor")
	}

	store := &monitor.Store{}
	opts.Monitor = store
	loop := fusion.New(manager, opts)
	if mq != nil {
		if err := mq.Subscribe(ctx, loop.Inbound()); err != nil {
			return err
		}
	}

	if err := manager.StartAll(ctx); err != nil {
		// Failed workers are reported through status; the daemon keeps
		// serving the rest.
		logs.Opsf("start workers: %v", err)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return loop.Run(gctx) })
	group.Go(func() error { return monitor.NewServer(g.env.HTTPListen, store).Run(gctx) })
	if opts.IMU != nil {
		group.Go(func() error {
			err := opts.IMU.Open(gctx, imusync.OpenSerial, cfg.IMU.Port, cfg.IMU.GetBaud())
			if err != nil && !errors.Is(err, context.Canceled) {
				logs.Opsf("imu sync stopped, odometry keeps the last offset: %v", err)
			}
			return nil
		})
	}
	runErr := group.Wait()
	loop.Close()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := manager.StopAll(stopCtx); err != nil {
		logs.Opsf("stop workers: %v", err)
	}
	logs.Opsf("stopped")
	return runErr
}

// openDatalog opens the datalog and starts a run recording cfg.
func openDatalog(ctx context.Context, path string, cfg *config.Config) (*datalog.DB, uuid.UUID, error) {
	db, err := datalog.Open(path)
	if err != nil {
		return nil, uuid.Nil, err
	}
	snapshot, err := json.Marshal(cfg)
	if err != nil {
		db.Close()
		return nil, uuid.Nil, fmt.Errorf("encode config: %w", err)
	}
	run, err := db.StartRun(ctx, time.Now(), string(snapshot))
	if err != nil {
		db.Close()
		return nil, uuid.Nil, err
	}
	return db, run, nil
}
