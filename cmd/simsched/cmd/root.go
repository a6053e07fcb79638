package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ansys/simsched/internal/common"
	"github.com/ansys/simsched/internal/scheduler/configuration"
)

const (
	CustomConfigLocation string = "config"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "simsched",
		SilenceUsage: true,
		Short:        "The simulation job scheduler",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	_ = viper.BindPFlag(CustomConfigLocation, cmd.PersistentFlags().Lookup(CustomConfigLocation))

	cmd.AddCommand(
		runCmd(),
	)

	return cmd
}

func loadConfig() configuration.Configuration {
	var config configuration.Configuration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	common.LoadConfig(&config, "./config/simsched", userSpecifiedConfigs)
	return config
}
