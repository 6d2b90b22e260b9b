// Package devio provides the "write-is-durable-when-acknowledged"
// illusion over a backing block device (spec §4.7). Every write is
// tagged with a monotonically increasing generation number; it is only
// acknowledged to the caller once a FLUSH covering that generation has
// completed. Reads are acknowledged as soon as the device completes
// them.
//
// There is no real interrupt/softirq context in this Go translation:
// BlockDevice methods are ordinary synchronous calls, and the async
// "device completion" the spec describes is modeled as the moment
// WritePage's goroutine finishes talking to the device, same as
// pkg/pmem (see pkg/pmem/doc.go).
package devio
