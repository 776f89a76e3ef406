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

package common

// DeviceConfig describes the devices the daemon manages. When Simulated is
// true the allocator runs against the in-process driver with DeviceCount
// devices of DeviceMemoryBytes each.
type DeviceConfig struct {
	Simulated         bool  `yaml:"simulated"`
	DeviceCount       int   `yaml:"device_count"`
	DeviceMemoryBytes int64 `yaml:"device_memory_bytes"`

	// Portion of each device's memory the allocator may reserve, (0, 1].
	// Zero means uncapped.
	MemoryFraction float64 `yaml:"memory_fraction"`
}

// HTTPConfig is the static configuration for the debug http server.
type HTTPConfig struct {
	MaxConnections        int `yaml:"max_connections"`
	ReadTimeOutInSeconds  int `yaml:"read_time_out_in_seconds"`
	WriteTimeOutInSeconds int `yaml:"write_time_out_in_seconds"`
}

// ServerConfig is config specific for the allocator debug daemon.
type ServerConfig struct {
	// HTTP port for the debug endpoints.
	Port int `yaml:"port"`

	// Build version of the server currently running
	Version string `yaml:"version"`

	Device DeviceConfig `yaml:"device"`
	HTTP   HTTPConfig   `yaml:"http"`
}
