// Package alloc is the allocator behind the `alloc`/`free` runtime symbols
// of generated code. Buffers handed across the ABI boundary are raw
// pointers, so live allocations are pinned in a registry until the host
// either adopts and frees them or the executable is torn down.
package alloc

import (
	"sync"
	"unsafe"
)

var (
	mu   sync.Mutex
	live = map[uintptr][]byte{}
)

// Allocate returns a zeroed buffer of the given size whose address is
// aligned to align bytes (align must be a power of two, or 0 for the
// default). The buffer stays reachable until Free is called on the
// returned pointer.
func Allocate(size, align int) unsafe.Pointer {
	if size == 0 {
		size = 1
	}
	if align < 1 {
		align = 1
	}
	buf := make([]byte, size+align-1)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	shift := 0
	if rem := int(addr % uintptr(align)); rem != 0 {
		shift = align - rem
	}
	ptr := unsafe.Pointer(&buf[shift])

	mu.Lock()
	live[uintptr(ptr)] = buf
	mu.Unlock()
	return ptr
}

// Free releases the allocation previously returned by Allocate. Freeing an
// unknown pointer is a no-op, matching free(NULL) semantics for forwarded
// buffers the runtime does not own.
func Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	mu.Lock()
	delete(live, uintptr(ptr))
	mu.Unlock()
}

// Live returns the number of outstanding allocations.
func Live() int {
	mu.Lock()
	defer mu.Unlock()
	return len(live)
}
