package common

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	commonconfig "github.com/ansys/simsched/internal/common/config"
)

const envPrefix = "SIMSCHED"

// LoadConfig reads config.yaml from the given path into the provided struct,
// applies any override files and finally environment variables of the form
// SIMSCHED_SECTION_KEY. Mis-configuration is unrecoverable, so it exits.
func LoadConfig(config interface{}, path string, overrideConfigs []string) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(path)
	if err := v.ReadInConfig(); err != nil {
		log.Error(err)
		os.Exit(-1)
	}

	for _, overrideConfig := range overrideConfigs {
		if overrideConfig == "" {
			continue
		}
		v.SetConfigFile(overrideConfig)
		if err := v.MergeInConfig(); err != nil {
			log.Error(err)
			os.Exit(-1)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(config, commonconfig.CustomHooks...); err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

func ConfigureCommandLineLogging() {
	commandLineFormatter := new(CommandLineFormatter)
	log.SetFormatter(commandLineFormatter)
	log.SetOutput(os.Stdout)
}
