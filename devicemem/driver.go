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
	"github.com/pkg/errors"
)

// DevicePtr is a raw device memory address. The zero value is the null
// pointer.
type DevicePtr uintptr

// Stream identifies one execution stream on a device. Work submitted to the
// same stream executes in order; work on different streams may overlap.
type Stream struct {
	Device int
	ID     int
}

// Event marks a point in a stream's submitted work.
type Event interface {
	// Query polls whether all work recorded before the event has completed.
	// It never blocks.
	Query() bool
}

// ErrDeviceOOM is the sentinel cause for a device allocation that failed
// because the device is out of memory. Any other allocation failure is a
// driver fault and must not be retried.
var ErrDeviceOOM = errors.New("out of memory on device")

// IsOOM reports whether err is a device out-of-memory failure.
func IsOOM(err error) bool {
	return errors.Cause(err) == ErrDeviceOOM
}

// Driver is the device runtime boundary. All calls are non-blocking with
// respect to device execution: Allocate and Free may be slow host-side calls
// but never wait for in-flight kernels.
type Driver interface {
	// Allocate obtains bytes of contiguous device memory. Failure because the
	// device is exhausted satisfies IsOOM; anything else is a driver fault.
	Allocate(device int, bytes int64) (DevicePtr, error)

	// Free returns memory previously obtained from Allocate.
	Free(device int, ptr DevicePtr)

	// RecordEvent records a completion marker after all work currently
	// submitted to stream.
	RecordEvent(stream Stream) Event

	// DeviceCount returns the number of devices the driver manages.
	DeviceCount() int

	// TotalMemory returns the global memory capacity of a device in bytes.
	TotalMemory(device int) int64
}
