// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/katana-audio/katana-detach/detach"
	"github.com/katana-audio/katana-detach/sysfs"
)

const defaultInterval = 30 * time.Second

// initConfig defines config flags, config file, and envs
func initConfig() error {
	cfgFile := flag.String("config", "", "Path to the config file.")
	flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flag.String("listen", ":8080", "The address at which to listen for health and metrics in watch mode.")
	flag.String("sysfs", sysfs.Root, "Path of the sysfs mount point.")
	flag.Bool("watch", false, "Keep running and release the device again whenever it reappears.")
	flag.Duration("interval", defaultInterval, "Polling interval in watch mode.")
	flag.Bool("ignore-unbound", false, "Treat interfaces with no bound driver as already released.")
	flag.Bool("rebind-on-exit", false, "Restore the original kernel drivers when leaving watch mode.")
	flag.Bool("print-config", false, "Print the resolved device list as YAML and exit.")

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/katana-detach/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
		} else {
			// Config file was found but another error was produced
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

// getConfiguredTargets reads the devices list from the config. With no
// config, the single built-in Katana spec is used.
func getConfiguredTargets() ([]detach.Spec, error) {
	raw := viper.Get("devices")
	if raw == nil {
		return []detach.Spec{{}}, nil
	}

	switch list := raw.(type) {
	case []interface{}:
		specs := make([]detach.Spec, len(list))
		for i, def := range list {
			decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
				Result:  &specs[i],
				TagName: "json",
			})
			if err != nil {
				return nil, err
			}

			if err := decoder.Decode(def); err != nil {
				return nil, fmt.Errorf("failed to decode device data %q: %w", def, err)
			}
		}
		return specs, nil
	default:
		return nil, fmt.Errorf("failed to decode devices: unexpected type: %T", raw)
	}
}

func printConfig(specs []detach.Spec) error {
	resolved := make([]detach.Spec, len(specs))
	for i, spec := range specs {
		resolved[i] = spec.WithDefaults()
	}
	out, err := yaml.Marshal(resolved)
	if err != nil {
		return fmt.Errorf("failed to render device list: %w", err)
	}
	_, err = os.Stdout.Write(out)
	return err
}
