package cmd

import (
	"context"
	"fmt"
	"runtime"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdcore "github.com/projecteru2/openportal/cmd/core"
	cmdothers "github.com/projecteru2/openportal/cmd/others"
	cmdsandbox "github.com/projecteru2/openportal/cmd/sandbox"
	"github.com/projecteru2/openportal/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "openportal",
		Short:         "OpenPortal - Sandbox Lifecycle Controller",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(commandContext(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("root-dir", "", "root data directory")
	cmd.PersistentFlags().String("docker-host", "", "docker daemon address")
	cmd.PersistentFlags().String("agent-image", "", "agent container image")

	_ = viper.BindPFlag("root_dir", cmd.PersistentFlags().Lookup("root-dir"))
	_ = viper.BindPFlag("docker.host", cmd.PersistentFlags().Lookup("docker-host"))
	_ = viper.BindPFlag("docker.image", cmd.PersistentFlags().Lookup("agent-image"))

	viper.SetEnvPrefix("OPENPORTAL")
	viper.AutomaticEnv()

	confProvider := func() *config.Config { return conf }
	base := cmdcore.BaseHandler{ConfProvider: confProvider}

	cmd.AddCommand(cmdsandbox.Command(cmdsandbox.Handler{BaseHandler: base}))
	for _, c := range cmdothers.Commands(cmdothers.Handler{ConfProvider: confProvider}) {
		cmd.AddCommand(c)
	}

	return cmd
}()

func initConfig(ctx context.Context) error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	_ = viper.ReadInConfig() // optional; missing file is OK

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	if conf.PoolSize <= 0 {
		conf.PoolSize = runtime.NumCPU()
	}
	if conf.StopTimeoutSeconds <= 0 {
		conf.StopTimeoutSeconds = 30 //nolint:mnd
	}
	if conf.ProvisionTimeoutSeconds <= 0 {
		conf.ProvisionTimeoutSeconds = 60 //nolint:mnd
	}

	return log.SetupLog(ctx, &conf.Log, "")
}

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := newCommandContext()
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}
