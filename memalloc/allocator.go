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
	"math/bits"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/Pavelanln/gpualloc/devicemem"
	"github.com/Pavelanln/gpualloc/utils"
)

// Size classing constants. All cached segments are multiples of these, which
// keeps fragmentation bounded and makes freed segments reusable for future
// requests of the same class.
const (
	// minBlockSize is the rounding granularity of every request.
	minBlockSize = 512
	// smallSize is the largest request served from the small pool.
	smallSize = 1048576
	// smallBuffer is the segment size backing the small pool.
	smallBuffer = 2097152
	// largeBuffer is the segment size for large requests up to minLargeAlloc.
	largeBuffer = 20971520
	// minLargeAlloc is the threshold above which segments are sized to the
	// request instead of largeBuffer.
	minLargeAlloc = 10485760
	// roundLarge is the rounding granularity of request-sized segments.
	roundLarge = 2097152
)

// errAllowedMemoryExceeded fails a segment allocation that would push
// reserved memory past the configured memory fraction. It is handled like a
// driver out-of-memory condition but never reaches the driver.
var errAllowedMemoryExceeded = errors.New("allocation would exceed allowed memory fraction")

func isOOMLike(err error) bool {
	return devicemem.IsOOM(err) || errors.Cause(err) == errAllowedMemoryExceeded
}

type pendingEvent struct {
	event devicemem.Event
	block *Block
}

// deviceAllocator owns all cached memory of one device: the two free block
// pools, the live segments, the per-stream deferred free queues and the
// device statistics. All fields are guarded by mu; the lock is dropped only
// while user free-memory callbacks run.
type deviceAllocator struct {
	mu     sync.Mutex
	device int
	driver devicemem.Driver

	// runCallbacks invokes the registered free-memory callbacks. It must be
	// called without mu held.
	runCallbacks func() bool

	smallBlocks *blockPool
	largeBlocks *blockPool

	// segments indexes live driver allocations by base address.
	segments map[devicemem.DevicePtr]*segment

	// pending holds deferred frees in recording order per stream. A block
	// re-enters its pool only after every event recorded for it completes.
	pending      map[devicemem.Stream][]pendingEvent
	pendingFree  int64
	largeAllocs  int32
	stats        DeviceStats
	totalMemory  int64
	allowed      int64
	fraction     float64
	config       AllocConfig
}

func newDeviceAllocator(device int, driver devicemem.Driver, runCallbacks func() bool) *deviceAllocator {
	total := driver.TotalMemory(device)
	a := &deviceAllocator{
		device:       device,
		driver:       driver,
		runCallbacks: runCallbacks,
		smallBlocks:  newBlockPool(smallPool),
		largeBlocks:  newBlockPool(largePool),
		segments:     make(map[devicemem.DevicePtr]*segment),
		pending:      make(map[devicemem.Stream][]pendingEvent),
		totalMemory:  total,
		allowed:      total,
		fraction:     1.0,
		config:       Config(),
	}
	a.stats.MaxSplitSize = a.config.MaxSplitSize
	return a
}

func (a *deviceAllocator) poolFor(size int64) *blockPool {
	if size <= smallSize {
		return a.smallBlocks
	}
	return a.largeBlocks
}

// roundSize rounds a request up to the allocator's granularity: multiples of
// minBlockSize, or to power-of-two divisions when configured.
func (a *deviceAllocator) roundSize(size int64) int64 {
	if size < minBlockSize {
		return minBlockSize
	}
	if divisions := a.config.RoundupPower2Divisions; divisions > 0 && size > minBlockSize*divisions {
		return roundupPower2NextDivision(size, divisions)
	}
	return minBlockSize * ((size + minBlockSize - 1) / minBlockSize)
}

func roundupPower2NextDivision(size, divisions int64) int64 {
	if size <= 4 || divisions <= 1 {
		return size
	}
	if size&(size-1) == 0 {
		return size
	}
	power2Floor := int64(1) << uint(bits.Len64(uint64(size))-1)
	divisionSize := power2Floor >> uint(bits.Len64(uint64(divisions))-1)
	if divisionSize == 0 {
		return power2Floor << 1
	}
	floor := size &^ (divisionSize - 1)
	if floor == size {
		return size
	}
	return floor + divisionSize
}

// allocationSize maps a rounded request to the segment size obtained from
// the driver when no cached block fits.
func allocationSize(size int64) int64 {
	if size <= smallSize {
		return smallBuffer
	}
	if size < minLargeAlloc {
		return largeBuffer
	}
	return roundLarge * ((size + roundLarge - 1) / roundLarge)
}

// shouldSplit decides whether the remainder of a block is worth keeping as a
// separate free block after carving size bytes off its front.
func (a *deviceAllocator) shouldSplit(block *Block, size int64) bool {
	remaining := block.size - size
	if block.pool.poolType == smallPool {
		return remaining >= minBlockSize
	}
	return size < a.config.MaxSplitSize && remaining > smallSize
}

// malloc serves one allocation request. The returned block is marked
// allocated and carries the rounded size; the caller owns registering its
// pointer.
func (a *deviceAllocator) malloc(requested int64, stream devicemem.Stream) (*Block, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.processOutstandingEvents()

	size := a.roundSize(requested)
	pool := a.poolFor(size)
	allocSize := allocationSize(size)
	if pool == a.largeBlocks {
		a.largeAllocs++
	}

	block := a.findFreeBlock(pool, size, stream)
	if block == nil {
		if a.config.GarbageCollectionThreshold > 0 {
			a.garbageCollect()
		}
		var err error
		block, err = a.allocSegment(pool, allocSize, stream)
		if err != nil {
			if !isOOMLike(err) {
				return nil, err
			}
			block, err = a.recoverFromOOM(pool, size, allocSize, stream, requested)
			if err != nil {
				return nil, err
			}
		}
	}

	block = a.finishAlloc(block, pool, size, requested, stream)
	a.publishGauges()
	utils.GetReporter(a.device).GetCounter(utils.AllocationRequests).Inc(1)
	return block, nil
}

// finishAlloc splits the chosen block if worthwhile, marks it allocated and
// updates statistics. Caller holds mu; block is out of any pool.
func (a *deviceAllocator) finishAlloc(block *Block, pool *blockPool, size, requested int64, stream devicemem.Stream) *Block {
	alreadySplit := block.isSplit()
	statType := pool.poolType.statType()

	if a.shouldSplit(block, size) {
		remaining := block
		block = &Block{
			device:  a.device,
			stream:  stream,
			size:    size,
			ptr:     remaining.ptr,
			pool:    pool,
			segment: remaining.segment,
			prev:    remaining.prev,
			next:    remaining,
		}
		if block.prev != nil {
			block.prev.next = block
		} else {
			block.segment.first = block
		}
		remaining.prev = block
		remaining.ptr += devicemem.DevicePtr(size)
		remaining.size -= size
		a.insertFree(pool, remaining)

		if alreadySplit {
			// Shrinking an inactive split block by the carved-off amount.
			a.stats.InactiveSplitBytes.decrease(statType, block.size)
		} else {
			// A previously unsplit block now leaves an inactive remainder.
			a.stats.InactiveSplitBytes.increase(statType, remaining.size)
			a.stats.InactiveSplit.increase(statType, 1)
		}
	} else if alreadySplit {
		// An inactive split block becomes active as a whole.
		a.stats.InactiveSplitBytes.decrease(statType, block.size)
		a.stats.InactiveSplit.decrease(statType, 1)
	}

	block.allocated = true
	block.stream = stream
	block.requestedSize = requested

	a.stats.Allocation.increase(statType, 1)
	a.stats.AllocatedBytes.increase(statType, block.size)
	a.stats.Active.increase(statType, 1)
	a.stats.ActiveBytes.increase(statType, block.size)
	if block.size >= a.config.MaxSplitSize {
		a.stats.OversizeAllocations.increase(1)
	}
	return block
}

// free gives a block back to the allocator. Blocks used on streams other
// than their own are parked until the recorded events complete; everything
// else returns to its pool immediately.
func (a *deviceAllocator) free(block *Block) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.processOutstandingEvents()

	statType := block.pool.poolType.statType()
	a.stats.Allocation.decrease(statType, 1)
	a.stats.AllocatedBytes.decrease(statType, block.size)
	if block.size >= a.config.MaxSplitSize {
		a.stats.OversizeAllocations.decrease(1)
	}

	block.allocated = false
	if !block.streamUses.empty() {
		a.insertEvents(block)
	} else {
		a.freeBlock(block)
	}

	a.publishGauges()
	utils.GetReporter(a.device).GetCounter(utils.FreeRequests).Inc(1)
}

// recordStream notes asynchronous use of an allocated block by a stream
// other than the one it was allocated on.
func (a *deviceAllocator) recordStream(block *Block, stream devicemem.Stream) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if stream == block.stream {
		return
	}
	block.streamUses.add(stream)
}

// insertEvents records one completion event per using stream and parks the
// block until all of them fire. Caller holds mu.
func (a *deviceAllocator) insertEvents(block *Block) {
	block.streamUses.each(func(stream devicemem.Stream) {
		event := a.driver.RecordEvent(stream)
		block.pendingEvents++
		a.pending[stream] = append(a.pending[stream], pendingEvent{event: event, block: block})
	})
	block.streamUses.clear()
	a.pendingFree++
}

// processOutstandingEvents polls deferred frees. Events within one stream
// complete in recording order, so each queue is drained from the front and
// stops at the first incomplete event. Caller holds mu.
func (a *deviceAllocator) processOutstandingEvents() {
	for stream, queue := range a.pending {
		done := 0
		for _, pe := range queue {
			if !pe.event.Query() {
				break
			}
			done++
			pe.block.pendingEvents--
			if pe.block.pendingEvents == 0 {
				a.pendingFree--
				if !pe.block.allocated {
					a.freeBlock(pe.block)
				}
			}
		}
		if done == len(queue) {
			delete(a.pending, stream)
		} else if done > 0 {
			a.pending[stream] = queue[done:]
		}
	}
}

// freeBlock returns an unreferenced block to its pool, coalescing with free
// address neighbors. Caller holds mu; block must not be allocated and must
// have no pending events.
func (a *deviceAllocator) freeBlock(block *Block) {
	pool := block.pool
	statType := pool.poolType.statType()
	originalSize := block.size

	var netSplitBlocks, netSplitBytes int64
	for _, neighbor := range []*Block{block.prev, block.next} {
		if merged := a.tryMerge(block, neighbor, pool); merged > 0 {
			netSplitBlocks--
			netSplitBytes -= merged
		}
	}
	if block.isSplit() {
		netSplitBlocks++
		netSplitBytes += block.size
	}
	a.insertFree(pool, block)

	applySigned(&a.stats.InactiveSplit, statType, netSplitBlocks)
	applySigned(&a.stats.InactiveSplitBytes, statType, netSplitBytes)
	a.stats.Active.decrease(statType, 1)
	a.stats.ActiveBytes.decrease(statType, originalSize)
}

func applySigned(arr *StatArray, statType StatType, amount int64) {
	if amount > 0 {
		arr.increase(statType, amount)
	} else if amount < 0 {
		arr.decrease(statType, -amount)
	}
}

// tryMerge absorbs a free, unreferenced neighbor into dst, returning the
// number of bytes subsumed, or 0 when the neighbor cannot be merged.
func (a *deviceAllocator) tryMerge(dst, src *Block, pool *blockPool) int64 {
	if src == nil || src.allocated || src.pendingEvents > 0 || !src.streamUses.empty() {
		return 0
	}
	if src.ptr < dst.ptr {
		dst.ptr = src.ptr
		dst.prev = src.prev
		if dst.prev != nil {
			dst.prev.next = dst
		} else {
			dst.segment.first = dst
		}
	} else {
		dst.next = src.next
		if dst.next != nil {
			dst.next.prev = dst
		}
	}
	subsumed := src.size
	dst.size += subsumed
	pool.remove(src)
	return subsumed
}

// insertFree puts a block into its pool and stamps its garbage collection
// age. Caller holds mu.
func (a *deviceAllocator) insertFree(pool *blockPool, block *Block) {
	block.gcCount = a.largeAllocs
	pool.insert(block)
}

// findFreeBlock picks the best-fit free block for a rounded request on the
// given stream, or nil. Blocks cached for other streams are never candidates.
// Oversize blocks are reserved for oversize requests, and an oversize
// request only reuses a block within largeBuffer of its size; both rules
// keep blocks above the split limit from fragmenting. Caller holds mu.
func (a *deviceAllocator) findFreeBlock(pool *blockPool, size int64, stream devicemem.Stream) *Block {
	block := pool.bestFit(stream, size)
	if block == nil {
		return nil
	}
	if maxSplit := a.config.MaxSplitSize; maxSplit != math.MaxInt64 {
		if size < maxSplit && block.size >= maxSplit {
			return nil
		}
		if size >= maxSplit && block.size >= size+largeBuffer {
			return nil
		}
	}
	pool.remove(block)
	block.gcCount = 0
	return block
}

// allocSegment obtains a new segment from the driver and wraps it in a
// single free-standing block. The memory fraction cap is enforced here,
// before the driver is ever called. Caller holds mu.
func (a *deviceAllocator) allocSegment(pool *blockPool, allocSize int64, stream devicemem.Stream) (*Block, error) {
	if a.stats.ReservedBytes[AggregateStat].Current+allocSize > a.allowed {
		return nil, errors.Wrapf(errAllowedMemoryExceeded,
			"device %d: %d bytes reserved, %d requested, %d allowed",
			a.device, a.stats.ReservedBytes[AggregateStat].Current, allocSize, a.allowed)
	}

	stopwatch := utils.GetReporter(a.device).GetTimer(utils.DeviceMallocLatency).Start()
	ptr, err := a.driver.Allocate(a.device, allocSize)
	stopwatch.Stop()
	if err != nil {
		return nil, err
	}

	seg := &segment{
		device: a.device,
		ptr:    ptr,
		size:   allocSize,
		pool:   pool,
		stream: stream,
	}
	block := &Block{
		device:  a.device,
		stream:  stream,
		size:    allocSize,
		ptr:     ptr,
		pool:    pool,
		segment: seg,
	}
	seg.first = block
	a.segments[ptr] = seg

	statType := pool.poolType.statType()
	a.stats.Segment.increase(statType, 1)
	a.stats.ReservedBytes.increase(statType, allocSize)
	if allocSize >= a.config.MaxSplitSize {
		a.stats.OversizeSegments.increase(1)
	}
	utils.GetReporter(a.device).GetCounter(utils.SegmentAllocations).Inc(1)
	return block, nil
}

// recoverFromOOM runs the staged recovery protocol after a failed segment
// allocation: drain completed deferred frees, give registered free-memory
// callbacks a chance, then release the whole cache and retry the driver.
// Caller holds mu; the lock is dropped while callbacks run, so every stage
// re-searches the pools instead of trusting earlier findings.
func (a *deviceAllocator) recoverFromOOM(pool *blockPool, size, allocSize int64, stream devicemem.Stream, requested int64) (*Block, error) {
	a.stats.NumOOMs++
	utils.GetReporter(a.device).GetCounter(utils.DeviceOOMs).Inc(1)

	a.processOutstandingEvents()
	if block := a.findFreeBlock(pool, size, stream); block != nil {
		return block, nil
	}

	if a.runCallbacks != nil {
		a.mu.Unlock()
		freed := a.runCallbacks()
		a.mu.Lock()
		if freed {
			a.processOutstandingEvents()
			if block := a.findFreeBlock(pool, size, stream); block != nil {
				return block, nil
			}
			a.stats.NumAllocRetries++
			utils.GetReporter(a.device).GetCounter(utils.AllocRetries).Inc(1)
			block, err := a.allocSegment(pool, allocSize, stream)
			if err == nil {
				return block, nil
			}
			if !isOOMLike(err) {
				return nil, err
			}
		}
	}

	a.releaseCachedBlocks()
	a.stats.NumAllocRetries++
	utils.GetReporter(a.device).GetCounter(utils.AllocRetries).Inc(1)
	block, err := a.allocSegment(pool, allocSize, stream)
	if err == nil {
		return block, nil
	}
	if !isOOMLike(err) {
		return nil, err
	}

	oom := &OutOfMemoryError{
		Device:           a.device,
		Requested:        requested,
		TotalMemory:      a.totalMemory,
		AllowedMemory:    a.allowed,
		LargestFreeBlock: a.largestFreeBlock(),
		Stats:            a.stats,
	}
	utils.GetLogger().With("device", a.device, "requested", requested).Errorf("Allocation failed: %v", oom)
	return nil, oom
}

func (a *deviceAllocator) largestFreeBlock() int64 {
	var largest int64
	if block := a.smallBlocks.largest(); block != nil {
		largest = block.size
	}
	if block := a.largeBlocks.largest(); block != nil && block.size > largest {
		largest = block.size
	}
	return largest
}

// garbageCollect proactively releases aged, unsplit cached blocks from the
// large pool once reserved memory exceeds the configured threshold fraction
// of allowed memory. Caller holds mu.
func (a *deviceAllocator) garbageCollect() {
	target := int64(a.config.GarbageCollectionThreshold * float64(a.allowed))
	reserved := a.stats.ReservedBytes[AggregateStat].Current
	if reserved <= target {
		return
	}

	var totalAge int64
	freeable := 0
	for _, block := range a.largeBlocks.freeBlocks() {
		if !block.isSplit() && block.pendingEvents == 0 {
			totalAge += int64(a.largeAllocs - block.gcCount)
			freeable++
		}
	}
	if freeable == 0 {
		return
	}

	// Repeatedly sweep blocks older than the average age until enough is
	// reclaimed; each sweep lowers the average, releasing progressively
	// younger blocks only when needed.
	reclaimed := int64(0)
	needed := reserved - target
	swept := true
	for reclaimed < needed && freeable > 0 && swept {
		ageThreshold := totalAge / int64(freeable)
		swept = false
		for _, block := range a.largeBlocks.freeBlocks() {
			if reclaimed >= needed {
				break
			}
			age := int64(a.largeAllocs - block.gcCount)
			if !block.isSplit() && block.pendingEvents == 0 && age >= ageThreshold {
				totalAge -= age
				freeable--
				reclaimed += block.size
				a.releaseBlock(block)
				swept = true
			}
		}
	}
}

// releaseCachedBlocks returns every whole, unreferenced cached segment to
// the driver. Split segments with live fragments and blocks with pending
// events stay cached. Caller holds mu.
func (a *deviceAllocator) releaseCachedBlocks() {
	a.releasePool(a.smallBlocks)
	a.releasePool(a.largeBlocks)
}

func (a *deviceAllocator) releasePool(pool *blockPool) {
	for _, block := range pool.freeBlocks() {
		if !block.isSplit() && block.pendingEvents == 0 {
			a.releaseBlock(block)
		}
	}
}

// releaseBlock frees one unsplit cached block's segment back to the driver.
// Caller holds mu.
func (a *deviceAllocator) releaseBlock(block *Block) {
	pool := block.pool
	pool.remove(block)
	a.driver.Free(a.device, block.ptr)
	delete(a.segments, block.segment.ptr)

	statType := pool.poolType.statType()
	a.stats.Segment.decrease(statType, 1)
	a.stats.ReservedBytes.decrease(statType, block.size)
	if block.size >= a.config.MaxSplitSize {
		a.stats.OversizeSegments.decrease(1)
	}
	utils.GetReporter(a.device).GetCounter(utils.SegmentReleases).Inc(1)
}

// emptyCache polls deferred frees and releases all releasable cached
// segments. Blocks still awaiting events are never force-completed.
func (a *deviceAllocator) emptyCache() {
	stopwatch := utils.GetReporter(a.device).GetTimer(utils.EmptyCacheLatency).Start()
	defer stopwatch.Stop()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.processOutstandingEvents()
	a.releaseCachedBlocks()
	a.publishGauges()
}

// setMemoryFraction caps reserved memory at fraction of device capacity.
func (a *deviceAllocator) setMemoryFraction(fraction float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fraction = fraction
	a.allowed = int64(fraction * float64(a.totalMemory))
}

func (a *deviceAllocator) getStats() DeviceStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	stats := a.stats
	stats.MaxSplitSize = a.config.MaxSplitSize
	return stats
}

func (a *deviceAllocator) resetAccumulatedStats() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.Allocation.resetAccumulated()
	a.stats.Segment.resetAccumulated()
	a.stats.Active.resetAccumulated()
	a.stats.InactiveSplit.resetAccumulated()
	a.stats.AllocatedBytes.resetAccumulated()
	a.stats.ReservedBytes.resetAccumulated()
	a.stats.ActiveBytes.resetAccumulated()
	a.stats.InactiveSplitBytes.resetAccumulated()
	a.stats.OversizeAllocations.resetAccumulated()
	a.stats.OversizeSegments.resetAccumulated()
	a.stats.NumAllocRetries = 0
	a.stats.NumOOMs = 0
}

func (a *deviceAllocator) resetPeakStats() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.Allocation.resetPeak()
	a.stats.Segment.resetPeak()
	a.stats.Active.resetPeak()
	a.stats.InactiveSplit.resetPeak()
	a.stats.AllocatedBytes.resetPeak()
	a.stats.ReservedBytes.resetPeak()
	a.stats.ActiveBytes.resetPeak()
	a.stats.InactiveSplitBytes.resetPeak()
	a.stats.OversizeAllocations.resetPeak()
	a.stats.OversizeSegments.resetPeak()
}

// cacheInfo returns the total cached free bytes and the largest single free
// block on the device.
func (a *deviceAllocator) cacheInfo() (cachedBytes, largestBlock int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, pool := range []*blockPool{a.smallBlocks, a.largeBlocks} {
		for _, block := range pool.freeBlocks() {
			cachedBytes += block.size
			if block.size > largestBlock {
				largestBlock = block.size
			}
		}
	}
	return cachedBytes, largestBlock
}

// snapshot reports every live segment with its block chain in address order.
func (a *deviceAllocator) snapshot() []SegmentInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	infos := make([]SegmentInfo, 0, len(a.segments))
	for _, seg := range a.segments {
		infos = append(infos, segmentInfo(seg))
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Address < infos[j].Address
	})
	return infos
}

// publishGauges pushes the device's live byte gauges to the metrics scope.
// Caller holds mu.
func (a *deviceAllocator) publishGauges() {
	reporter := utils.GetReporter(a.device)
	reporter.GetGauge(utils.AllocatedBytes).Update(float64(a.stats.AllocatedBytes[AggregateStat].Current))
	reporter.GetGauge(utils.ReservedBytes).Update(float64(a.stats.ReservedBytes[AggregateStat].Current))
	reporter.GetGauge(utils.ActiveBytes).Update(float64(a.stats.ActiveBytes[AggregateStat].Current))
	reporter.GetGauge(utils.InactiveSplitBytes).Update(float64(a.stats.InactiveSplitBytes[AggregateStat].Current))
	reporter.GetGauge(utils.PendingFreeBlocks).Update(float64(a.pendingFree))
}
