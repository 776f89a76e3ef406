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
	"github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = ginkgo.Describe("stats", func() {
	ginkgo.It("Stat should track current, peak and accumulated values", func() {
		var s Stat
		s.increase(100)
		s.increase(50)
		s.decrease(120)
		Ω(s.Current).Should(Equal(int64(30)))
		Ω(s.Peak).Should(Equal(int64(150)))
		Ω(s.Allocated).Should(Equal(int64(150)))
		Ω(s.Freed).Should(Equal(int64(120)))

		s.resetAccumulated()
		Ω(s.Allocated).Should(Equal(int64(0)))
		Ω(s.Freed).Should(Equal(int64(0)))
		Ω(s.Current).Should(Equal(int64(30)))
		Ω(s.Peak).Should(Equal(int64(150)))

		s.resetPeak()
		Ω(s.Peak).Should(Equal(int64(30)))
	})

	ginkgo.It("StatArray should update the aggregate alongside the pool", func() {
		var a StatArray
		a.increase(SmallPoolStat, 10)
		a.increase(LargePoolStat, 5)
		Ω(a[AggregateStat].Current).Should(Equal(int64(15)))
		Ω(a[SmallPoolStat].Current).Should(Equal(int64(10)))
		Ω(a[LargePoolStat].Current).Should(Equal(int64(5)))

		a.decrease(SmallPoolStat, 10)
		Ω(a[AggregateStat].Current).Should(Equal(int64(5)))
		Ω(a[SmallPoolStat].Current).Should(Equal(int64(0)))
	})

	ginkgo.It("pool types should map to their stat buckets", func() {
		Ω(smallPool.statType()).Should(Equal(SmallPoolStat))
		Ω(largePool.statType()).Should(Equal(LargePoolStat))
	})
})
