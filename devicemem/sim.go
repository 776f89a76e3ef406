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

package devicemem

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

const simBaseAddr = 0x7f0000000000

// SimDriver emulates a multi-device runtime in process. Addresses are fake
// but unique and 512-byte aligned; stream completion is driven manually via
// SignalStream, which makes asynchronous-use scenarios deterministic in
// tests and in the demo daemon.
type SimDriver struct {
	mu      sync.Mutex
	devices []*simDevice

	// allocHook, when set, runs before every Allocate and may force a
	// failure.
	allocHook func(device int, bytes int64) error
}

type simDevice struct {
	capacity int64
	used     int64
	nextAddr DevicePtr
	allocs   map[DevicePtr]int64
	streams  map[int]*simStream
}

type simStream struct {
	recorded int64
	signaled int64
}

// NewSimDriver creates a simulated driver with deviceCount devices of
// bytesPerDevice capacity each.
func NewSimDriver(deviceCount int, bytesPerDevice int64) *SimDriver {
	devices := make([]*simDevice, deviceCount)
	for i := range devices {
		devices[i] = &simDevice{
			capacity: bytesPerDevice,
			nextAddr: DevicePtr(simBaseAddr + uintptr(i)<<40),
			allocs:   make(map[DevicePtr]int64),
			streams:  make(map[int]*simStream),
		}
	}
	return &SimDriver{devices: devices}
}

// SetAllocHook installs a hook invoked before every device allocation; a
// non-nil return fails the allocation with that error. Pass nil to clear.
func (d *SimDriver) SetAllocHook(hook func(device int, bytes int64) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.allocHook = hook
}

// Allocate obtains bytes of simulated device memory.
func (d *SimDriver) Allocate(device int, bytes int64) (DevicePtr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	hook := d.allocHook
	if hook != nil {
		if err := hook(device, bytes); err != nil {
			return 0, err
		}
	}

	dev := d.devices[device]
	if dev.used+bytes > dev.capacity {
		return 0, errors.Wrapf(ErrDeviceOOM,
			"device %d: requested %d bytes with %d of %d in use",
			device, bytes, dev.used, dev.capacity)
	}

	ptr := dev.nextAddr
	dev.nextAddr += DevicePtr((bytes + 511) &^ 511)
	dev.allocs[ptr] = bytes
	dev.used += bytes
	return ptr, nil
}

// Free returns memory to the simulated device. Freeing an address the driver
// did not hand out indicates corrupted allocator bookkeeping and panics.
func (d *SimDriver) Free(device int, ptr DevicePtr) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dev := d.devices[device]
	bytes, ok := dev.allocs[ptr]
	if !ok {
		panic(fmt.Sprintf("devicemem: free of unknown pointer %#x on device %d", uintptr(ptr), device))
	}
	delete(dev.allocs, ptr)
	dev.used -= bytes
}

// RecordEvent records a completion marker on the stream. The event completes
// once SignalStream has been called at or after this point.
func (d *SimDriver) RecordEvent(stream Stream) Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.stream(stream)
	st.recorded++
	return &simEvent{driver: d, stream: stream, ticket: st.recorded}
}

// SignalStream marks all work submitted to the stream so far as complete.
func (d *SimDriver) SignalStream(stream Stream) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.stream(stream)
	st.signaled = st.recorded
}

// DeviceCount returns the number of simulated devices.
func (d *SimDriver) DeviceCount() int {
	return len(d.devices)
}

// TotalMemory returns a simulated device's capacity in bytes.
func (d *SimDriver) TotalMemory(device int) int64 {
	return d.devices[device].capacity
}

// InUse returns the number of bytes currently allocated on the device, for
// test assertions.
func (d *SimDriver) InUse(device int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.devices[device].used
}

// AllocCount returns the number of live driver allocations on the device.
func (d *SimDriver) AllocCount(device int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.devices[device].allocs)
}

// stream returns the bookkeeping entry for a stream. Caller must hold d.mu.
func (d *SimDriver) stream(stream Stream) *simStream {
	dev := d.devices[stream.Device]
	st, ok := dev.streams[stream.ID]
	if !ok {
		st = &simStream{}
		dev.streams[stream.ID] = st
	}
	return st
}

type simEvent struct {
	driver *SimDriver
	stream Stream
	ticket int64
}

func (e *simEvent) Query() bool {
	e.driver.mu.Lock()
	defer e.driver.mu.Unlock()
	return e.driver.stream(e.stream).signaled >= e.ticket
}
