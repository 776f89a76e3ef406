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

// BlockInfo describes one block of a segment's chain, in address order.
type BlockInfo struct {
	Size          int64 `json:"size"`
	RequestedSize int64 `json:"requestedSize"`
	GcCounter     int32 `json:"gcCounter"`
	Allocated     bool  `json:"allocated"`
	// Active covers allocated blocks and blocks still referenced by
	// outstanding stream work.
	Active bool `json:"active"`
}

// SegmentInfo describes one live driver allocation and how it is currently
// carved up.
type SegmentInfo struct {
	Device        int         `json:"device"`
	Address       uintptr     `json:"address"`
	TotalSize     int64       `json:"totalSize"`
	AllocatedSize int64       `json:"allocatedSize"`
	ActiveSize    int64       `json:"activeSize"`
	IsLarge       bool        `json:"isLarge"`
	Blocks        []BlockInfo `json:"blocks"`
}

// segmentInfo flattens one segment's block chain. Caller holds the owning
// device lock.
func segmentInfo(seg *segment) SegmentInfo {
	info := SegmentInfo{
		Device:    seg.device,
		Address:   uintptr(seg.ptr),
		TotalSize: seg.size,
		IsLarge:   seg.pool.poolType == largePool,
	}
	for block := seg.first; block != nil; block = block.next {
		active := block.allocated || block.pendingEvents > 0 || !block.streamUses.empty()
		if block.allocated {
			info.AllocatedSize += block.size
		}
		if active {
			info.ActiveSize += block.size
		}
		info.Blocks = append(info.Blocks, BlockInfo{
			Size:          block.size,
			RequestedSize: block.requestedSize,
			GcCounter:     block.gcCount,
			Allocated:     block.allocated,
			Active:        active,
		})
	}
	return info
}
