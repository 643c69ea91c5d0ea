package bluetooth

import (
	"strings"
	"sync"
)

// FrameBuffer holds the 1-bit-per-pixel panel image. Byte x + (y/8)*width
// carries column x of display page y/8, least significant bit on top.
//
// Assembly and pixel queries may run on different goroutines.
type FrameBuffer struct {
	mu     sync.RWMutex
	width  int
	height int
	data   []byte
}

// NewFrameBuffer allocates a zeroed buffer for a width x height panel.
// height is rounded up to a whole display page.
func NewFrameBuffer(width, height int) *FrameBuffer {
	pages := (height + 7) / 8
	return &FrameBuffer{
		width:  width,
		height: height,
		data:   make([]byte, width*pages),
	}
}

func (fb *FrameBuffer) Width() int  { return fb.width }
func (fb *FrameBuffer) Height() int { return fb.height }
func (fb *FrameBuffer) Len() int    { return len(fb.data) }

// IsPixelOn reports whether pixel (x, y) is lit. Coordinates outside the
// panel read as off.
func (fb *FrameBuffer) IsPixelOn(x, y int) bool {
	if x < 0 || y < 0 || x >= fb.width || y >= fb.height {
		return false
	}

	fb.mu.RLock()
	defer fb.mu.RUnlock()
	return fb.data[x+(y/8)*fb.width]&(1<<(y%8)) != 0
}

// Assemble writes decompressed pages back to back from offset 0. Each page
// advances the offset by its actual length; bytes past the buffer end are
// dropped and bytes after the last page keep their previous value.
func (fb *FrameBuffer) Assemble(pages [][]byte) int {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	offset := 0
	for _, page := range pages {
		if offset >= len(fb.data) {
			break
		}
		offset += copy(fb.data[offset:], page)
	}
	return offset
}

// Snapshot returns a copy of the raw buffer.
func (fb *FrameBuffer) Snapshot() []byte {
	fb.mu.RLock()
	defer fb.mu.RUnlock()

	out := make([]byte, len(fb.data))
	copy(out, fb.data)
	return out
}

// Text renders the buffer as rows of '#' and '.' for terminals and logs.
func (fb *FrameBuffer) Text() string {
	data := fb.Snapshot()

	var b strings.Builder
	b.Grow((fb.width + 1) * fb.height)

	for y := 0; y < fb.height; y++ {
		for x := 0; x < fb.width; x++ {
			if data[x+(y/8)*fb.width]&(1<<(y%8)) != 0 {
				b.WriteByte('#')
			} else {
				b.WriteByte('.')
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// FragmentSet collects one decompressed payload per push-mode fragment
// endpoint until every slot has reported.
type FragmentSet struct {
	slots [FragmentCount][]byte
}

// Put stores data in slot. When that fills the last empty slot it returns
// the fragments in slot order and clears the set.
func (fs *FragmentSet) Put(slot int, data []byte) ([][]byte, bool) {
	if slot < 0 || slot >= FragmentCount {
		return nil, false
	}
	if data == nil {
		data = []byte{}
	}
	fs.slots[slot] = data

	for _, s := range fs.slots {
		if s == nil {
			return nil, false
		}
	}

	pages := make([][]byte, FragmentCount)
	copy(pages, fs.slots[:])
	fs.Reset()
	return pages, true
}

// Pending returns the number of filled slots.
func (fs *FragmentSet) Pending() int {
	n := 0
	for _, s := range fs.slots {
		if s != nil {
			n++
		}
	}
	return n
}

func (fs *FragmentSet) Reset() {
	fs.slots = [FragmentCount][]byte{}
}
