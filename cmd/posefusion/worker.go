package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/banshee-data/posefusion/internal/monitoring"
	"github.com/banshee-data/posefusion/internal/worker"
)

func newWorkerCmd(g *globals) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one camera worker on stdin/stdout (started by run)",
		Args:   cobra.NoArgs,
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			cam, ok := cfg.Camera(name)
			if !ok {
				return fmt.Errorf("no camera named %q in %s", name, g.configPath)
			}
			producer, err := worker.NewProducer(worker.InitConfigFromCamera(cam))
			if err != nil {
				return err
			}

			// The supervisor stops workers itself; a terminal interrupt
			// reaches the whole process group.
			signal.Ignore(os.Interrupt)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()

			agent := worker.NewAgent(name, os.Stdin, os.Stdout, producer)
			level, _ := monitoring.ParseLevel(g.logLevel)
			w := monitoring.WritersForLevel(os.Stderr, level)
			w.Ops = agent.LogWriter(monitoring.LevelOps)
			if w.Diag != nil {
				w.Diag = agent.LogWriter(monitoring.LevelDiag)
			}
			// Trace stays on stderr.
			monitoring.Configure(w)
			return agent.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "camera name from the config file")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}
