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

	"github.com/Pavelanln/gpualloc/devicemem"
)

var _ = ginkgo.Describe("block pool", func() {
	stream0 := devicemem.Stream{Device: 0, ID: 0}
	stream1 := devicemem.Stream{Device: 0, ID: 1}

	newFreeBlock := func(size int64, ptr devicemem.DevicePtr) *Block {
		return &Block{stream: stream0, size: size, ptr: ptr}
	}

	ginkgo.It("bestFit should return the smallest block of sufficient size", func() {
		pool := newBlockPool(largePool)
		pool.insert(newFreeBlock(4096, 0x1000))
		pool.insert(newFreeBlock(1024, 0x2000))
		pool.insert(newFreeBlock(2048, 0x3000))

		Ω(pool.bestFit(stream0, 512).size).Should(Equal(int64(1024)))
		Ω(pool.bestFit(stream0, 1025).size).Should(Equal(int64(2048)))
		Ω(pool.bestFit(stream0, 4096).size).Should(Equal(int64(4096)))
		Ω(pool.bestFit(stream0, 4097)).Should(BeNil())
	})

	ginkgo.It("equal sizes should order by address", func() {
		pool := newBlockPool(smallPool)
		pool.insert(newFreeBlock(1024, 0x9000))
		pool.insert(newFreeBlock(1024, 0x1000))

		Ω(pool.bestFit(stream0, 1024).ptr).Should(Equal(devicemem.DevicePtr(0x1000)))
	})

	ginkgo.It("bestFit should never cross streams", func() {
		pool := newBlockPool(largePool)
		pool.insert(newFreeBlock(4096, 0x1000))
		other := &Block{stream: stream1, size: 1024, ptr: 0x2000}
		pool.insert(other)

		Ω(pool.bestFit(stream1, 512)).Should(Equal(other))
		Ω(pool.bestFit(stream1, 2048)).Should(BeNil())
		Ω(pool.bestFit(stream0, 512).size).Should(Equal(int64(4096)))
	})

	ginkgo.It("largest should track the maximum across streams", func() {
		pool := newBlockPool(largePool)
		Ω(pool.largest()).Should(BeNil())
		pool.insert(&Block{stream: stream1, size: 1024, ptr: 0x1000})
		big := newFreeBlock(8192, 0x2000)
		pool.insert(big)
		Ω(pool.largest().size).Should(Equal(int64(8192)))
		pool.remove(big)
		Ω(pool.largest().size).Should(Equal(int64(1024)))
	})

	ginkgo.It("freeBlocks should copy in size order", func() {
		pool := newBlockPool(largePool)
		pool.insert(newFreeBlock(2048, 0x1000))
		pool.insert(newFreeBlock(512, 0x2000))
		blocks := pool.freeBlocks()
		Ω(blocks).Should(HaveLen(2))
		Ω(blocks[0].size).Should(Equal(int64(512)))
		Ω(blocks[1].size).Should(Equal(int64(2048)))
	})
})

var _ = ginkgo.Describe("stream set", func() {
	stream := func(id int) devicemem.Stream {
		return devicemem.Stream{Device: 0, ID: id}
	}

	ginkgo.It("should deduplicate", func() {
		var s streamSet
		s.add(stream(1))
		s.add(stream(1))
		count := 0
		s.each(func(devicemem.Stream) { count++ })
		Ω(count).Should(Equal(1))
	})

	ginkgo.It("should spill past the inline capacity", func() {
		var s streamSet
		for id := 0; id < inlineStreamCap+3; id++ {
			s.add(stream(id))
		}
		seen := map[int]bool{}
		s.each(func(st devicemem.Stream) { seen[st.ID] = true })
		Ω(seen).Should(HaveLen(inlineStreamCap + 3))
		Ω(s.empty()).Should(BeFalse())
		s.clear()
		Ω(s.empty()).Should(BeTrue())
	})
})
