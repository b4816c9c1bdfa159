// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"os"
	"os/user"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the environment prefix that is used for configuration
const EnvPrefix = "bridge"

var cfgFile string

var config = viper.GetViper()

func initConfig() {
	config.SetEnvPrefix(EnvPrefix)
	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	config.AutomaticEnv()

	if cfgFile != "" {
		config.SetConfigFile(cfgFile)
		if err := config.ReadInConfig(); err != nil {
			fmt.Fprintln(os.Stderr, "Error when reading config file:", err)
			os.Exit(1)
		}
		fmt.Println("Using config file:", config.ConfigFileUsed())
	}

	config.SetDefault("id", defaultID())
}

// defaultID is user@hostname
func defaultID() string {
	id := "unknown"
	if user, err := user.Current(); err == nil {
		id = user.Username
	}
	if hostname, err := os.Hostname(); err == nil {
		id += "@" + hostname
	}
	return id
}

func init() {
	BridgeCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (YAML or JSON)")
}
