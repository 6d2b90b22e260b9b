// Package pmem is the narrow interface between Bittern's engine and the
// cache device: read/write of metadata slots and 4 KiB data pages (spec
// §4.1).
//
// Two backends satisfy [Device]:
//
//   - [MmapDevice] maps the cache device with mmap(MAP_SHARED) and hands
//     out page-aligned slices directly into that mapping — the "DMA
//     directly into cache memory" case from the spec, since a memory-mapped
//     region needs no intermediate copy.
//   - [BufferedDevice] falls back to pread/pwrite through a process-wide
//     buffer pool (pkg/bufferpool) for cache devices or filesystems
//     that cannot be mmap'd (network filesystems, devices opened O_DIRECT
//     without alignment guarantees, or plain test files smaller than a
//     page). Both backends report the same [Device.Capabilities]
//     (page-granularity-only, standard layout variant); it does not tell
//     the two modes apart.
//
// All operations are synchronous here; the asynchrony the spec describes
// (a per-call completion callback, re-entering the state machine on
// completion) is provided by the caller (pkg/engine), which runs each
// request's whole path on a goroutine started by Map and treats that
// goroutine's result as the completion callback. This is the idiomatic Go rendering of "operations
// are asynchronous with a per-call completion callback": goroutines and
// channels are Go's callback mechanism.
package pmem
