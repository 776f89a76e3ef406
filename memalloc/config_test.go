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
	"os"

	"github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/spf13/viper"

	"github.com/Pavelanln/gpualloc/utils"
)

var _ = ginkgo.Describe("alloc config", func() {
	ginkgo.It("empty string should keep defaults", func() {
		cfg := parseAllocConfig("")
		Ω(cfg.MaxSplitSize).Should(Equal(int64(math.MaxInt64)))
		Ω(cfg.RoundupPower2Divisions).Should(Equal(int64(0)))
		Ω(cfg.GarbageCollectionThreshold).Should(Equal(0.0))
	})

	ginkgo.It("should parse all known options", func() {
		cfg := parseAllocConfig("max_split_size_mb:256,roundup_power2_divisions:4,garbage_collection_threshold:0.8")
		Ω(cfg.MaxSplitSize).Should(Equal(int64(256 * 1024 * 1024)))
		Ω(cfg.RoundupPower2Divisions).Should(Equal(int64(4)))
		Ω(cfg.GarbageCollectionThreshold).Should(Equal(0.8))
	})

	ginkgo.It("malformed options should fall back to defaults", func() {
		cfg := parseAllocConfig("max_split_size_mb:10,roundup_power2_divisions:3,garbage_collection_threshold:1.5,bogus:1,notanoption")
		Ω(cfg.MaxSplitSize).Should(Equal(int64(math.MaxInt64)))
		Ω(cfg.RoundupPower2Divisions).Should(Equal(int64(0)))
		Ω(cfg.GarbageCollectionThreshold).Should(Equal(0.0))
	})

	ginkgo.It("one bad option should not discard the good ones", func() {
		cfg := parseAllocConfig("garbage_collection_threshold:oops,max_split_size_mb:64")
		Ω(cfg.MaxSplitSize).Should(Equal(int64(64 * 1024 * 1024)))
		Ω(cfg.GarbageCollectionThreshold).Should(Equal(0.0))
	})

	ginkgo.It("should tolerate spaces around keys and values", func() {
		cfg := parseAllocConfig(" max_split_size_mb : 32 ")
		Ω(cfg.MaxSplitSize).Should(Equal(int64(32 * 1024 * 1024)))
	})

	ginkgo.It("should read the option string from GPUALLOC_CONF", func() {
		Ω(os.Setenv("GPUALLOC_CONF", "max_split_size_mb:128")).Should(BeNil())
		defer os.Unsetenv("GPUALLOC_CONF")

		v := viper.New()
		utils.BindEnvironments(v)
		Ω(v.GetString("conf")).Should(Equal("max_split_size_mb:128"))

		cfg := parseAllocConfig(v.GetString("conf"))
		Ω(cfg.MaxSplitSize).Should(Equal(int64(128 * 1024 * 1024)))
	})
})
