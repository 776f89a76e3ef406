// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Pavelanln/gpualloc/common"
	"github.com/Pavelanln/gpualloc/utils"
)

// AddFlags adds flags to command
func AddFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "config/gpualloc.yaml", "Config file")
	cmd.Flags().IntP("port", "p", 0, "Debug http port")
}

// ReadConfig populates ServerConfig from defaults, the config file, flags
// and environment variables.
func ReadConfig(defaultCfg map[string]interface{}, flags *pflag.FlagSet) (common.ServerConfig, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	// bind command flags
	v.BindPFlags(flags)

	utils.BindEnvironments(v)

	// set defaults
	v.SetDefault("device", map[string]interface{}{
		"simulated":           true,
		"device_count":        1,
		"device_memory_bytes": 1 << 30,
	})
	v.SetDefault("http", map[string]interface{}{
		"max_connections":           100,
		"read_time_out_in_seconds":  10,
		"write_time_out_in_seconds": 10,
	})
	v.MergeConfigMap(defaultCfg)

	// merge in config file
	if cfgFile, err := flags.GetString("config"); err == nil && cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("gpualloc")
		v.AddConfigPath("./config")
	}

	if err := v.MergeInConfig(); err == nil {
		fmt.Println("Using config file: ", v.ConfigFileUsed())
	}

	var cfg common.ServerConfig
	err := v.Unmarshal(&cfg, func(config *mapstructure.DecoderConfig) {
		config.TagName = "yaml"
	})
	if err != nil {
		return cfg, utils.StackError(err, "failed to unmarshal server config")
	}
	return cfg, nil
}
