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

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/gorilla/mux"
	"github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/uber-go/tally"

	"github.com/Pavelanln/gpualloc/common"
	"github.com/Pavelanln/gpualloc/devicemem"
	"github.com/Pavelanln/gpualloc/memalloc"
	"github.com/Pavelanln/gpualloc/utils"
)

var _ = ginkgo.Describe("DebugHandler", func() {
	const deviceMemory = int64(64 * 1024 * 1024)

	var (
		driver     *devicemem.SimDriver
		allocator  *memalloc.Allocator
		testServer *httptest.Server
		hostPort   string
	)

	ginkgo.BeforeEach(func() {
		driver = devicemem.NewSimDriver(2, deviceMemory)
		allocator = memalloc.New(driver)
		debugHandler := NewDebugHandler(allocator)

		middleware := utils.NewMetricsLoggingMiddleWareProvider(tally.NewTestScope("test", nil), &common.NoopLogger{})
		testRouter := mux.NewRouter()
		debugHandler.Register(testRouter.PathPrefix("/dbg").Subrouter(), middleware.WithLogging)
		testServer = httptest.NewServer(testRouter)
		hostPort = testServer.Listener.Addr().String()
	})

	ginkgo.AfterEach(func() {
		testServer.Close()
	})

	ginkgo.It("ListDevices should report every device", func() {
		stream := devicemem.Stream{Device: 0, ID: 0}
		_, err := allocator.Malloc(0, 1024, stream)
		Ω(err).Should(BeNil())

		resp, err := http.Get(fmt.Sprintf("http://%s/dbg/devices", hostPort))
		Ω(err).Should(BeNil())
		Ω(resp.StatusCode).Should(Equal(http.StatusOK))

		var summaries []DeviceSummary
		Ω(json.NewDecoder(resp.Body).Decode(&summaries)).Should(BeNil())
		Ω(summaries).Should(HaveLen(2))
		Ω(summaries[0].AllocatedBytes).Should(Equal(int64(1024)))
		Ω(summaries[1].AllocatedBytes).Should(Equal(int64(0)))
	})

	ginkgo.It("GetDeviceStats should return the full statistics", func() {
		stream := devicemem.Stream{Device: 0, ID: 0}
		_, err := allocator.Malloc(0, 1024, stream)
		Ω(err).Should(BeNil())

		resp, err := http.Get(fmt.Sprintf("http://%s/dbg/devices/0/stats", hostPort))
		Ω(err).Should(BeNil())
		Ω(resp.StatusCode).Should(Equal(http.StatusOK))

		var stats memalloc.DeviceStats
		Ω(json.NewDecoder(resp.Body).Decode(&stats)).Should(BeNil())
		Ω(stats.Allocation[memalloc.AggregateStat].Current).Should(Equal(int64(1)))
		Ω(stats.ReservedBytes[memalloc.AggregateStat].Current).ShouldNot(Equal(int64(0)))
	})

	ginkgo.It("bad device parameters should 400 or 404", func() {
		resp, err := http.Get(fmt.Sprintf("http://%s/dbg/devices/notanumber/stats", hostPort))
		Ω(err).Should(BeNil())
		Ω(resp.StatusCode).Should(Equal(http.StatusBadRequest))

		resp, err = http.Get(fmt.Sprintf("http://%s/dbg/devices/9/stats", hostPort))
		Ω(err).Should(BeNil())
		Ω(resp.StatusCode).Should(Equal(http.StatusNotFound))
	})

	ginkgo.It("snapshot should list segments", func() {
		stream := devicemem.Stream{Device: 0, ID: 0}
		_, err := allocator.Malloc(0, 1024, stream)
		Ω(err).Should(BeNil())

		resp, err := http.Get(fmt.Sprintf("http://%s/dbg/snapshot", hostPort))
		Ω(err).Should(BeNil())
		Ω(resp.StatusCode).Should(Equal(http.StatusOK))

		var segments []memalloc.SegmentInfo
		Ω(json.NewDecoder(resp.Body).Decode(&segments)).Should(BeNil())
		Ω(segments).Should(HaveLen(1))
		Ω(segments[0].Blocks).ShouldNot(BeEmpty())
	})

	ginkgo.It("empty-cache should release cached segments", func() {
		stream := devicemem.Stream{Device: 0, ID: 0}
		ptr, err := allocator.Malloc(0, 1024, stream)
		Ω(err).Should(BeNil())
		Ω(allocator.Free(ptr)).Should(BeNil())
		Ω(driver.AllocCount(0)).Should(Equal(1))

		resp, err := http.Post(fmt.Sprintf("http://%s/dbg/empty-cache", hostPort), "", nil)
		Ω(err).Should(BeNil())
		Ω(resp.StatusCode).Should(Equal(http.StatusOK))
		Ω(driver.AllocCount(0)).Should(Equal(0))
	})

	ginkgo.It("reset-stats should validate its kind parameter", func() {
		resp, err := http.Post(fmt.Sprintf("http://%s/dbg/devices/0/reset-stats?kind=peak", hostPort), "", nil)
		Ω(err).Should(BeNil())
		Ω(resp.StatusCode).Should(Equal(http.StatusOK))

		resp, err = http.Post(fmt.Sprintf("http://%s/dbg/devices/0/reset-stats?kind=bogus", hostPort), "", nil)
		Ω(err).Should(BeNil())
		Ω(resp.StatusCode).Should(Equal(http.StatusBadRequest))
	})

	ginkgo.It("memory-fraction should apply and validate", func() {
		body, _ := json.Marshal(SetMemoryFractionRequest{Fraction: 0.5})
		resp, err := http.Post(fmt.Sprintf("http://%s/dbg/devices/0/memory-fraction", hostPort),
			"application/json", bytes.NewReader(body))
		Ω(err).Should(BeNil())
		Ω(resp.StatusCode).Should(Equal(http.StatusOK))

		// Half of 64 MiB is allowed; a 40 MiB request must fail.
		stream := devicemem.Stream{Device: 0, ID: 0}
		_, err = allocator.Malloc(0, 40*1024*1024, stream)
		Ω(memalloc.IsOutOfMemory(err)).Should(BeTrue())

		body, _ = json.Marshal(SetMemoryFractionRequest{Fraction: 1.5})
		resp, err = http.Post(fmt.Sprintf("http://%s/dbg/devices/0/memory-fraction", hostPort),
			"application/json", bytes.NewReader(body))
		Ω(err).Should(BeNil())
		Ω(resp.StatusCode).Should(Equal(http.StatusBadRequest))
	})

	ginkgo.It("cache-info should report cached memory", func() {
		stream := devicemem.Stream{Device: 0, ID: 0}
		ptr, err := allocator.Malloc(0, 1024, stream)
		Ω(err).Should(BeNil())
		Ω(allocator.Free(ptr)).Should(BeNil())

		resp, err := http.Get(fmt.Sprintf("http://%s/dbg/devices/0/cache-info", hostPort))
		Ω(err).Should(BeNil())
		Ω(resp.StatusCode).Should(Equal(http.StatusOK))

		var info CacheInfoResponse
		Ω(json.NewDecoder(resp.Body).Decode(&info)).Should(BeNil())
		Ω(info.CachedBytes).ShouldNot(Equal(int64(0)))
		Ω(info.LargestBlock).Should(Equal(info.CachedBytes))
	})
})
