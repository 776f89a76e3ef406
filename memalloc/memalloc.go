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

// Package memalloc implements a caching device memory allocator. Raw driver
// allocations are expensive and synchronize the device, so freed memory is
// cached and reused instead of being returned to the driver. Cached segments
// are split to fit requests and coalesced with free neighbors on free, and
// cross-stream use is tracked so memory is never reused while another
// stream's work may still touch it.
package memalloc

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/Pavelanln/gpualloc/devicemem"
	"github.com/Pavelanln/gpualloc/utils"
)

// FreeMemoryCallback releases device memory held outside the allocator, for
// example an application-level cache. It reports whether it freed anything.
// Callbacks run during out-of-memory recovery, without allocator locks held,
// and may call back into the allocator.
type FreeMemoryCallback func() bool

// Allocator is the process-wide caching allocator over all devices of a
// driver. It is safe for concurrent use.
type Allocator struct {
	driver  devicemem.Driver
	devices []*deviceAllocator

	// mu guards allocatedBlocks and callbacks. Per-device state has its own
	// lock; the two are never held together.
	mu              sync.Mutex
	allocatedBlocks map[devicemem.DevicePtr]*Block
	callbacks       []FreeMemoryCallback
}

// New creates an allocator managing every device of the driver.
func New(driver devicemem.Driver) *Allocator {
	a := &Allocator{
		driver:          driver,
		allocatedBlocks: make(map[devicemem.DevicePtr]*Block),
	}
	for device := 0; device < driver.DeviceCount(); device++ {
		utils.AddDeviceReporter(device)
		a.devices = append(a.devices, newDeviceAllocator(device, driver, a.runFreeMemoryCallbacks))
	}
	return a
}

// DeviceCount returns the number of devices under management.
func (a *Allocator) DeviceCount() int {
	return len(a.devices)
}

// Malloc allocates size bytes on the device for use on stream. A zero-size
// request succeeds and returns the null pointer without reserving memory.
func (a *Allocator) Malloc(device int, size int64, stream devicemem.Stream) (devicemem.DevicePtr, error) {
	if err := a.checkDevice(device); err != nil {
		return 0, err
	}
	if size < 0 {
		return 0, errors.Errorf("negative allocation size %d", size)
	}
	if size == 0 {
		return 0, nil
	}

	block, err := a.devices[device].malloc(size, stream)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	a.allocatedBlocks[block.ptr] = block
	a.mu.Unlock()
	return block.ptr, nil
}

// Free returns memory obtained from Malloc. Freeing the null pointer is a
// no-op; freeing any other pointer the allocator did not hand out returns
// InvalidPointerError.
func (a *Allocator) Free(ptr devicemem.DevicePtr) error {
	if ptr == 0 {
		return nil
	}

	a.mu.Lock()
	block, ok := a.allocatedBlocks[ptr]
	if ok {
		delete(a.allocatedBlocks, ptr)
	}
	a.mu.Unlock()
	if !ok {
		return &InvalidPointerError{Ptr: ptr}
	}

	a.devices[block.device].free(block)
	return nil
}

// RecordStream marks an allocated pointer as in use by stream. The memory
// will not be reused until work submitted to stream before the matching Free
// has completed. Recording the allocating stream is a no-op.
func (a *Allocator) RecordStream(ptr devicemem.DevicePtr, stream devicemem.Stream) error {
	if ptr == 0 {
		return nil
	}

	a.mu.Lock()
	block, ok := a.allocatedBlocks[ptr]
	a.mu.Unlock()
	if !ok {
		return &InvalidPointerError{Ptr: ptr}
	}

	a.devices[block.device].recordStream(block, stream)
	return nil
}

// EmptyCache releases all releasable cached segments on every device back to
// the driver. Memory still referenced by pending stream work stays cached.
func (a *Allocator) EmptyCache() {
	for _, dev := range a.devices {
		dev.emptyCache()
	}
}

// EmptyDeviceCache releases releasable cached segments on one device.
func (a *Allocator) EmptyDeviceCache(device int) error {
	if err := a.checkDevice(device); err != nil {
		return err
	}
	a.devices[device].emptyCache()
	return nil
}

// SetMemoryFraction caps the device's reserved memory at fraction of its
// capacity. Fraction must be in (0, 1].
func (a *Allocator) SetMemoryFraction(device int, fraction float64) error {
	if err := a.checkDevice(device); err != nil {
		return err
	}
	if fraction <= 0 || fraction > 1 {
		return errors.Errorf("invalid memory fraction %v, must be within (0, 1]", fraction)
	}
	a.devices[device].setMemoryFraction(fraction)
	return nil
}

// GetDeviceStats returns a copy of the device's statistics.
func (a *Allocator) GetDeviceStats(device int) (DeviceStats, error) {
	if err := a.checkDevice(device); err != nil {
		return DeviceStats{}, err
	}
	return a.devices[device].getStats(), nil
}

// ResetAccumulatedStats zeroes the cumulative counters of a device, leaving
// current values and peaks intact.
func (a *Allocator) ResetAccumulatedStats(device int) error {
	if err := a.checkDevice(device); err != nil {
		return err
	}
	a.devices[device].resetAccumulatedStats()
	return nil
}

// ResetPeakStats lowers the device's peak watermarks to the current values.
func (a *Allocator) ResetPeakStats(device int) error {
	if err := a.checkDevice(device); err != nil {
		return err
	}
	a.devices[device].resetPeakStats()
	return nil
}

// Snapshot reports every live segment across all devices with its block
// chains, in device and address order.
func (a *Allocator) Snapshot() []SegmentInfo {
	var infos []SegmentInfo
	for _, dev := range a.devices {
		infos = append(infos, dev.snapshot()...)
	}
	return infos
}

// CacheInfo returns the total cached free bytes and the largest free block
// on one device.
func (a *Allocator) CacheInfo(device int) (cachedBytes, largestBlock int64, err error) {
	if err := a.checkDevice(device); err != nil {
		return 0, 0, err
	}
	cachedBytes, largestBlock = a.devices[device].cacheInfo()
	return cachedBytes, largestBlock, nil
}

// RegisterFreeMemoryCallback adds a callback consulted during out-of-memory
// recovery. Callbacks run in registration order.
func (a *Allocator) RegisterFreeMemoryCallback(cb FreeMemoryCallback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callbacks = append(a.callbacks, cb)
}

// runFreeMemoryCallbacks invokes every registered callback and reports
// whether any of them freed memory. All callbacks run even after one
// succeeds, to reclaim as much as possible before the retry.
func (a *Allocator) runFreeMemoryCallbacks() bool {
	a.mu.Lock()
	callbacks := make([]FreeMemoryCallback, len(a.callbacks))
	copy(callbacks, a.callbacks)
	a.mu.Unlock()

	freed := false
	for _, cb := range callbacks {
		callback := cb
		if err := utils.RecoverWrap(func() error {
			if callback() {
				freed = true
			}
			return nil
		}); err != nil {
			utils.GetLogger().Errorf("Free memory callback panicked: %v", err)
		}
	}
	if len(callbacks) > 0 {
		utils.GetRootReporter().GetCounter(utils.FreeCallbacksInvoked).Inc(int64(len(callbacks)))
	}
	return freed
}

func (a *Allocator) checkDevice(device int) error {
	if device < 0 || device >= len(a.devices) {
		return errors.Errorf("invalid device %d, driver manages %d devices", device, len(a.devices))
	}
	return nil
}

// Process-wide default allocator, used by the HTTP debug surface and by
// applications that want a shared instance.
var (
	defaultMu        sync.Mutex
	defaultAllocator *Allocator
)

// Init installs the process-wide default allocator over the driver. It
// replaces any previous default.
func Init(driver devicemem.Driver) *Allocator {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultAllocator = New(driver)
	return defaultAllocator
}

// DefaultAllocator returns the process-wide allocator, or nil before Init.
func DefaultAllocator() *Allocator {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultAllocator
}

// Shutdown drops the process-wide allocator after releasing its cache.
func Shutdown() {
	defaultMu.Lock()
	allocator := defaultAllocator
	defaultAllocator = nil
	defaultMu.Unlock()
	if allocator != nil {
		allocator.EmptyCache()
	}
}
