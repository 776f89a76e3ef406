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

package utils

import (
	"github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/uber-go/tally"
)

var _ = ginkgo.Describe("metrics", func() {
	ginkgo.It("all cached metrics definitions should be properly initialized", func() {
		reporter := GetRootReporter()
		Ω(reporter.cachedDefinitions).Should(HaveLen(int(NumMetricNames)))
		for _, def := range reporter.cachedDefinitions {
			Ω(def).ShouldNot(BeNil())
			switch def.metricType {
			case Counter:
				Ω(def.counter).ShouldNot(BeNil())
			case Gauge:
				Ω(def.gauge).ShouldNot(BeNil())
			case Timer:
				Ω(def.timer).ShouldNot(BeNil())
			}
		}
	})

	ginkgo.It("NewReporterFactory should work", func() {
		scope := tally.NewTestScope("test", nil)
		rf := NewReporterFactory(scope)
		Ω(rf.GetRootReporter().GetRootScope()).Should(Equal(scope))
		// since no device has been added yet, we should get the root reporter back.
		Ω(rf.GetReporter(1)).Should(Equal(rf.GetRootReporter()))
	})

	ginkgo.It("AddDevice should work", func() {
		scope := tally.NewTestScope("test", nil)
		rf := NewReporterFactory(scope)
		rf.AddDevice(1)
		Ω(rf.GetReporter(1)).ShouldNot(Equal(rf.GetRootReporter()))

		testScope := rf.GetReporter(1).GetRootScope().(tally.TestScope)
		rf.GetReporter(1).GetCounter(AllocationRequests).Inc(1)
		Ω(testScope.Snapshot().Counters()).
			Should(HaveKey("test.allocation_requests+component=memalloc,device=1"))
	})

	ginkgo.It("DeleteDevice should work", func() {
		scope := tally.NewTestScope("test", nil)
		rf := NewReporterFactory(scope)
		rf.AddDevice(1)
		rf.DeleteDevice(1)
		Ω(rf.GetReporter(1)).Should(Equal(rf.GetRootReporter()))
	})
})
