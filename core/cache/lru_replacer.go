package cache

import (
	"container/list"
	"sync"
)

// LRUReplacer orders eviction candidates by the time they were last unpinned.
// A doubly-linked list holds candidates with the most recently unpinned frame
// at the front; a map indexes list elements by frame id so every operation is
// O(1) average.
type LRUReplacer struct {
	mu        sync.Mutex
	frameList *list.List
	frameMap  map[int]*list.Element
}

// NewLRUReplacer returns an empty replacer.
func NewLRUReplacer() *LRUReplacer {
	return &LRUReplacer{
		frameList: list.New(),
		frameMap:  make(map[int]*list.Element),
	}
}

// Pin removes the frame from candidacy if present.
func (r *LRUReplacer) Pin(frameID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if elem, ok := r.frameMap[frameID]; ok {
		r.frameList.Remove(elem)
		delete(r.frameMap, frameID)
	}
}

// Unpin moves the frame to the most recently used end, dropping any stale
// entry first.
func (r *LRUReplacer) Unpin(frameID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if elem, ok := r.frameMap[frameID]; ok {
		r.frameList.Remove(elem)
		delete(r.frameMap, frameID)
	}

	r.frameMap[frameID] = r.frameList.PushFront(frameID)
}

// Victim pops the least recently unpinned frame.
func (r *LRUReplacer) Victim() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	back := r.frameList.Back()
	if back == nil {
		return 0, false
	}

	frameID := back.Value.(int)
	r.frameList.Remove(back)
	delete(r.frameMap, frameID)
	return frameID, true
}

// Len returns the number of candidates.
func (r *LRUReplacer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frameList.Len()
}
