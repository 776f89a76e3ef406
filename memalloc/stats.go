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

// StatType buckets a statistic by pool.
type StatType int

// Every statistic is kept per pool and in aggregate.
const (
	AggregateStat StatType = iota
	SmallPoolStat
	LargePoolStat
	// Enum sentinel.
	NumStatTypes
)

// Stat is one running counter: the live value, its high watermark, and the
// cumulative increases/decreases since the last accumulated reset.
type Stat struct {
	Current   int64 `json:"current"`
	Peak      int64 `json:"peak"`
	Allocated int64 `json:"allocated"`
	Freed     int64 `json:"freed"`
}

func (s *Stat) increase(amount int64) {
	s.Current += amount
	s.Allocated += amount
	if s.Current > s.Peak {
		s.Peak = s.Current
	}
}

func (s *Stat) decrease(amount int64) {
	s.Current -= amount
	s.Freed += amount
}

func (s *Stat) resetAccumulated() {
	s.Allocated = 0
	s.Freed = 0
}

func (s *Stat) resetPeak() {
	s.Peak = s.Current
}

// StatArray holds one Stat per StatType.
type StatArray [NumStatTypes]Stat

func (a *StatArray) increase(pool StatType, amount int64) {
	a[AggregateStat].increase(amount)
	a[pool].increase(amount)
}

func (a *StatArray) decrease(pool StatType, amount int64) {
	a[AggregateStat].decrease(amount)
	a[pool].decrease(amount)
}

func (a *StatArray) resetAccumulated() {
	for i := range a {
		a[i].resetAccumulated()
	}
}

func (a *StatArray) resetPeak() {
	for i := range a {
		a[i].resetPeak()
	}
}

// DeviceStats is the allocator summary for one device. All arrays are
// indexed by StatType.
type DeviceStats struct {
	// COUNT: allocations requested by client code
	Allocation StatArray `json:"allocation"`
	// COUNT: segments obtained from the device driver
	Segment StatArray `json:"segment"`
	// COUNT: memory blocks that are allocated or still referenced by stream work
	Active StatArray `json:"active"`
	// COUNT: unallocated split blocks that cannot be released to the driver
	InactiveSplit StatArray `json:"inactiveSplit"`

	// SUM: bytes handed to client code
	AllocatedBytes StatArray `json:"allocatedBytes"`
	// SUM: bytes reserved from the driver, both free and used
	ReservedBytes StatArray `json:"reservedBytes"`
	// SUM: bytes within active memory blocks
	ActiveBytes StatArray `json:"activeBytes"`
	// SUM: bytes within unallocated split blocks
	InactiveSplitBytes StatArray `json:"inactiveSplitBytes"`

	// COUNT: failed driver allocations that forced a cache flush and retry
	NumAllocRetries int64 `json:"numAllocRetries"`
	// COUNT: driver out-of-memory conditions, recovered or not
	NumOOMs int64 `json:"numOoms"`

	// COUNT: allocations served above the split limit
	OversizeAllocations Stat `json:"oversizeAllocations"`
	// COUNT: segments obtained above the split limit
	OversizeSegments Stat `json:"oversizeSegments"`

	// SIZE: maximum block size that is allowed to be split
	MaxSplitSize int64 `json:"maxSplitSize"`
}
