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
	rbt "github.com/emirpasic/gods/trees/redblacktree"

	"github.com/Pavelanln/gpualloc/devicemem"
)

type poolType int

const (
	smallPool poolType = iota
	largePool
)

func (t poolType) statType() StatType {
	if t == smallPool {
		return SmallPoolStat
	}
	return LargePoolStat
}

// inlineStreamCap is the number of extra streams a block can record without
// heap-allocating a set. Nearly all blocks never cross streams.
const inlineStreamCap = 4

// streamSet tracks streams, other than the owning one, with outstanding
// asynchronous use of a block. It stores the first few inline and spills to
// a map only when record calls actually cross many streams.
type streamSet struct {
	inline   [inlineStreamCap]devicemem.Stream
	n        int
	overflow map[devicemem.Stream]struct{}
}

func (s *streamSet) add(stream devicemem.Stream) {
	for i := 0; i < s.n; i++ {
		if s.inline[i] == stream {
			return
		}
	}
	if s.overflow != nil {
		s.overflow[stream] = struct{}{}
		return
	}
	if s.n < inlineStreamCap {
		s.inline[s.n] = stream
		s.n++
		return
	}
	s.overflow = map[devicemem.Stream]struct{}{stream: {}}
}

func (s *streamSet) empty() bool {
	return s.n == 0 && len(s.overflow) == 0
}

func (s *streamSet) each(f func(devicemem.Stream)) {
	for i := 0; i < s.n; i++ {
		f(s.inline[i])
	}
	for stream := range s.overflow {
		f(stream)
	}
}

func (s *streamSet) clear() {
	s.n = 0
	s.overflow = nil
}

// Block is one contiguous span of device memory: either a whole segment or a
// split fragment of one. A block lives either in its pool's free index or in
// the allocated set, never both.
type Block struct {
	device        int
	stream        devicemem.Stream // stream the block was allocated on
	size          int64
	requestedSize int64 // unrounded size asked for by the caller
	ptr           devicemem.DevicePtr
	pool          *blockPool
	segment       *segment

	allocated bool
	// prev/next are the address-adjacent neighbors inside the same segment.
	prev *Block
	next *Block

	// pendingEvents is the number of recorded events still outstanding
	// before the block may return to its pool.
	pendingEvents int
	// streamUses holds streams other than stream with in-flight work on
	// this memory.
	streamUses streamSet

	// gcCount ages a cached block between garbage collection passes.
	gcCount int32
}

// isSplit reports whether the block is a fragment of a larger segment.
func (b *Block) isSplit() bool {
	return b.prev != nil || b.next != nil
}

// segment is one raw driver allocation, subdivided into a chain of blocks as
// splits and merges occur.
type segment struct {
	device int
	ptr    devicemem.DevicePtr
	size   int64
	pool   *blockPool
	stream devicemem.Stream
	// first is the head of the address-ordered block chain.
	first *Block
}

// blockPool is the ordered index of free blocks for one size class on one
// device. Ordering is by (stream, size, address): keying on the stream first
// partitions the index per stream, so a best-fit lookup can never hand a
// block freed on one stream to a request on another, and within a stream a
// Ceiling lookup yields the best fit.
type blockPool struct {
	poolType poolType
	blocks   *rbt.Tree
}

func blockComparator(a, b interface{}) int {
	x := a.(*Block)
	y := b.(*Block)
	if x.stream != y.stream {
		if x.stream.Device != y.stream.Device {
			if x.stream.Device < y.stream.Device {
				return -1
			}
			return 1
		}
		if x.stream.ID < y.stream.ID {
			return -1
		}
		return 1
	}
	if x.size != y.size {
		if x.size < y.size {
			return -1
		}
		return 1
	}
	if x.ptr < y.ptr {
		return -1
	} else if x.ptr > y.ptr {
		return 1
	}
	return 0
}

func newBlockPool(t poolType) *blockPool {
	return &blockPool{
		poolType: t,
		blocks:   rbt.NewWith(blockComparator),
	}
}

func (p *blockPool) insert(b *Block) {
	p.blocks.Put(b, nil)
}

func (p *blockPool) remove(b *Block) {
	p.blocks.Remove(b)
}

// bestFit returns the smallest free block of at least size bytes cached for
// the given stream, or nil. The block stays in the pool.
func (p *blockPool) bestFit(stream devicemem.Stream, size int64) *Block {
	node, ok := p.blocks.Ceiling(&Block{stream: stream, size: size})
	if !ok {
		return nil
	}
	block := node.Key.(*Block)
	if block.stream != stream {
		return nil
	}
	return block
}

// largest returns the biggest free block in the pool across all streams, or
// nil when empty.
func (p *blockPool) largest() *Block {
	var largest *Block
	it := p.blocks.Iterator()
	for it.Next() {
		block := it.Key().(*Block)
		if largest == nil || block.size > largest.size {
			largest = block
		}
	}
	return largest
}

// freeBlocks returns the pool's blocks in index order, grouped by stream and
// sized ascending within each group. The slice is a copy so callers may
// mutate the pool while walking it.
func (p *blockPool) freeBlocks() []*Block {
	out := make([]*Block, 0, p.blocks.Size())
	it := p.blocks.Iterator()
	for it.Next() {
		out = append(out, it.Key().(*Block))
	}
	return out
}
