package commands

import (
	"os"

	"github.com/spf13/cobra"
	"gitlab.com/shar-workflow/taskflow/common/authz"
	"gitlab.com/shar-workflow/taskflow/common/logx"
	"gitlab.com/shar-workflow/taskflow/model"
	"gitlab.com/shar-workflow/taskflow/server/commands/validate"
	"gitlab.com/shar-workflow/taskflow/server/config"
	"gitlab.com/shar-workflow/taskflow/server/server"
	"gitlab.com/shar-workflow/taskflow/server/server/option"
)

var splash bool

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "taskflow",
	Short: "Taskflow Server",
	Long:  `Runs the taskflow engine.  Settings are read from the environment.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.GetEnvironment()
		if err != nil {
			return err
		}
		lev, addSource := logx.ParseLevel(cfg.LogLevel)
		logx.SetDefault(lev, addSource, "taskflow")

		svr := server.New(Options(cfg, splash)...)
		return svr.Listen()
	},
}

// Options converts environment settings into server options.
func Options(cfg *config.Settings, showSplash bool) []option.Option {
	opts := []option.Option{
		option.NatsURL(cfg.NatsURL),
		option.Store(cfg.Store, cfg.StorePath),
		option.Ephemeral(cfg.Ephemeral),
		option.CacheSize(cfg.CacheSize),
		option.Transport(cfg.Transport),
		option.RequestTimeout(cfg.RequestTimeout),
		option.Concurrency(cfg.Concurrency),
		option.NotifyBuffer(cfg.NotifyBuffer),
		option.GrpcPort(cfg.GrpcPort),
		option.MetricsPort(cfg.MetricsPort),
		option.WithTelemetryEndpoint(cfg.TelemetryEndpoint),
		option.WithModels(cfg.Models...),
	}
	if len(cfg.Admins) > 0 {
		admins := make([]model.Principal, len(cfg.Admins))
		for i, a := range cfg.Admins {
			admins[i] = model.Principal(a)
		}
		opts = append(opts, option.WithAuthorizer(authz.OwnerOnly(admins...)))
	}
	if showSplash {
		opts = append(opts, option.WithShowSplash())
	}
	return opts
}

// Execute adds all child commands to the root command and sets flag appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	RootCmd.AddCommand(validate.Cmd)
	RootCmd.Flags().BoolVar(&splash, "splash", true, "prints the server configuration on startup")
}
