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

package memalloc

import (
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/Pavelanln/gpualloc/utils"
)

// AllocConfig holds the process-wide allocator tunables. They are read once,
// lazily, from the GPUALLOC_CONF environment variable, a comma-separated
// option string such as
//
//	max_split_size_mb:256,roundup_power2_divisions:4,garbage_collection_threshold:0.8
//
// Malformed options are logged and fall back to their defaults; they never
// fail the process.
type AllocConfig struct {
	// MaxSplitSize is the largest block, in bytes, the allocator will split.
	// Blocks above it are reserved for requests that are themselves above it.
	MaxSplitSize int64

	// RoundupPower2Divisions, when positive, rounds request sizes up to the
	// nearest of the given number of divisions between successive powers of
	// two, instead of plain 512-byte rounding.
	RoundupPower2Divisions int64

	// GarbageCollectionThreshold, when in (0, 1), proactively releases idle
	// cached segments once reserved memory exceeds this fraction of the
	// allowed maximum, ahead of any hard out-of-memory condition.
	GarbageCollectionThreshold float64
}

const minMaxSplitSizeMB = 20

var (
	configOnce  sync.Once
	allocConfig AllocConfig
)

// Config returns the process-wide allocator tunables, parsing them on first
// use.
func Config() AllocConfig {
	configOnce.Do(func() {
		v := viper.New()
		utils.BindEnvironments(v)
		allocConfig = parseAllocConfig(v.GetString("conf"))
	})
	return allocConfig
}

func defaultAllocConfig() AllocConfig {
	return AllocConfig{
		MaxSplitSize: math.MaxInt64,
	}
}

func parseAllocConfig(conf string) AllocConfig {
	cfg := defaultAllocConfig()
	if conf == "" {
		return cfg
	}

	for _, option := range strings.Split(conf, ",") {
		kv := strings.SplitN(option, ":", 2)
		if len(kv) != 2 {
			utils.GetLogger().Errorf("Malformed allocator option %q, expecting key:value", option)
			continue
		}
		key, value := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		switch key {
		case "max_split_size_mb":
			mb, err := strconv.ParseInt(value, 10, 64)
			if err != nil || mb < minMaxSplitSizeMB {
				utils.GetLogger().Errorf(
					"Invalid max_split_size_mb %q, must be an integer >= %d MB", value, minMaxSplitSizeMB)
				continue
			}
			cfg.MaxSplitSize = mb * 1024 * 1024
		case "roundup_power2_divisions":
			divisions, err := strconv.ParseInt(value, 10, 64)
			if err != nil || divisions <= 0 || divisions&(divisions-1) != 0 {
				utils.GetLogger().Errorf(
					"Invalid roundup_power2_divisions %q, must be a positive power of 2", value)
				continue
			}
			cfg.RoundupPower2Divisions = divisions
		case "garbage_collection_threshold":
			threshold, err := strconv.ParseFloat(value, 64)
			if err != nil || threshold <= 0 || threshold >= 1 {
				utils.GetLogger().Errorf(
					"Invalid garbage_collection_threshold %q, must be within (0, 1)", value)
				continue
			}
			cfg.GarbageCollectionThreshold = threshold
		default:
			utils.GetLogger().Errorf("Unrecognized allocator option %q", key)
		}
	}
	return cfg
}
