// Command posefusion runs the sensor-fusion daemon, its camera workers, and
// a few operator tools.
package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/banshee-data/posefusion/internal/config"
	"github.com/banshee-data/posefusion/internal/monitoring"
	"github.com/banshee-data/posefusion/internal/version"
)

// globals are the persistent flags shared by every subcommand.
type globals struct {
	configPath string
	logLevel   string
	env        *config.Env
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "posefusion",
		Short:         "Robot pose fusion daemon",
		Long:          `posefusion fuses camera pose, fiducial and detection streams with drive odometry and supervises the camera worker processes that produce them.`,
		Version:       version.Short(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.init(cmd)
		},
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default $POSEFUSION_CONFIG or "+config.DefaultConfigPath+")")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: ops, diag or trace (default $POSEFUSION_LOG_LEVEL)")

	root.AddCommand(
		newRunCmd(g),
		newWorkerCmd(g),
		newStatusCmd(g),
		newDatalogCmd(g),
		newVersionCmd(),
	)
	return root
}

// init loads the environment, applies flag overrides and configures
// logging. Worker processes log to stderr; stdout is their data channel.
func (g *globals) init(cmd *cobra.Command) error {
	env, err := config.LoadEnv(nil)
	if err != nil {
		return err
	}
	if g.configPath == "" {
		g.configPath = env.ConfigPath
	}
	if g.logLevel == "" {
		g.logLevel = env.LogLevel
	}
	level, err := monitoring.ParseLevel(g.logLevel)
	if err != nil {
		return err
	}
	g.env = env
	monitoring.Configure(monitoring.WritersForLevel(os.Stderr, level))
	return nil
}

func (g *globals) loadConfig() (*config.Config, error) {
	return config.Load(g.configPath)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(version.String())
		},
	}
}
