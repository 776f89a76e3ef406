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

package main

import (
	"io/ioutil"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/Pavelanln/gpualloc/cmd"
	"github.com/Pavelanln/gpualloc/common"
)

const defaultCfgPath = "config/gpualloc.yaml"

// defaultConfig loads the bundled config file as the bottom layer of the
// config stack; flags and environment variables override it.
func defaultConfig(logger common.Logger) map[string]interface{} {
	fileContent, err := ioutil.ReadFile(defaultCfgPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.With("err", err).Warn("Failed to read default config")
		}
		return nil
	}

	var cfg map[string]interface{}
	if err = yaml.Unmarshal(fileContent, &cfg); err != nil {
		logger.With("err", err).Warn("Failed to parse default config")
		return nil
	}
	return cfg
}

func main() {
	loggerFactory := common.NewLoggerFactory()
	defaultLogger := loggerFactory.GetDefaultLogger()

	cmd.Execute(func(options *cmd.Options) {
		options.DefaultCfg = defaultConfig(defaultLogger)
		options.ServerLogger = defaultLogger
		options.Metrics = common.NewNoopMetrics()
	})
}
