package disk

// PageHeap is a binary min-heap of free page identifiers. The disk manager
// feeds deallocated pages into it so allocation reuses the lowest-numbered
// free page first, keeping the file dense at the low end.
type PageHeap struct {
	pages []uint32
}

// NewPageHeap returns an empty heap with room for capacity ids before the
// backing array regrows.
func NewPageHeap(capacity int) *PageHeap {
	return &PageHeap{pages: make([]uint32, 0, capacity)}
}

// Len returns the number of ids in the heap.
func (h *PageHeap) Len() int {
	return len(h.pages)
}

// Insert adds a page id to the heap.
func (h *PageHeap) Insert(pageID uint32) {
	h.pages = append(h.pages, pageID)
	h.siftUp(len(h.pages) - 1)
}

// ExtractMin removes and returns the smallest id. The second return is false
// when the heap is empty.
func (h *PageHeap) ExtractMin() (uint32, bool) {
	if len(h.pages) == 0 {
		return 0, false
	}

	min := h.pages[0]
	last := len(h.pages) - 1
	h.pages[0] = h.pages[last]
	h.pages = h.pages[:last]
	if last > 0 {
		h.siftDown(0)
	}
	return min, true
}

func (h *PageHeap) siftUp(index int) {
	element := h.pages[index]
	for index > 0 {
		parent := (index - 1) >> 1
		if h.pages[parent] <= element {
			break
		}
		h.pages[index] = h.pages[parent]
		index = parent
	}
	h.pages[index] = element
}

func (h *PageHeap) siftDown(index int) {
	element := h.pages[index]
	size := len(h.pages)

	for {
		left := (index << 1) + 1
		if left >= size {
			break
		}

		min := left
		if right := left + 1; right < size && h.pages[right] < h.pages[left] {
			min = right
		}

		if element <= h.pages[min] {
			break
		}

		h.pages[index] = h.pages[min]
		index = min
	}

	h.pages[index] = element
}
