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
	"fmt"

	"github.com/pkg/errors"

	"github.com/Pavelanln/gpualloc/devicemem"
)

// OutOfMemoryError is returned by Malloc once the full recovery protocol
// (draining deferred frees, invoking free-memory callbacks, releasing the
// cache) has failed to satisfy a request. It carries a snapshot of the device
// state at the time of failure.
type OutOfMemoryError struct {
	Device           int
	Requested        int64
	TotalMemory      int64
	AllowedMemory    int64
	LargestFreeBlock int64
	Stats            DeviceStats
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf(
		"device %d out of memory: tried to allocate %d bytes, "+
			"device capacity %d bytes, allowed %d bytes, "+
			"%d bytes allocated, %d bytes reserved by allocator, "+
			"largest cached free block %d bytes "+
			"(consider setting max_split_size_mb to reduce fragmentation)",
		e.Device, e.Requested, e.TotalMemory, e.AllowedMemory,
		e.Stats.AllocatedBytes[AggregateStat].Current,
		e.Stats.ReservedBytes[AggregateStat].Current,
		e.LargestFreeBlock)
}

// IsOutOfMemory reports whether err is an allocator out-of-memory failure.
func IsOutOfMemory(err error) bool {
	_, ok := errors.Cause(err).(*OutOfMemoryError)
	return ok
}

// InvalidPointerError is returned by Free and RecordStream for pointers that
// were not handed out by this allocator, or that were already freed.
type InvalidPointerError struct {
	Ptr devicemem.DevicePtr
}

func (e *InvalidPointerError) Error() string {
	return fmt.Sprintf("invalid device pointer %#x: not allocated by this allocator", uintptr(e.Ptr))
}
