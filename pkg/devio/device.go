package devio

import "io"

// BlockDevice is the backing device surface devio requires: positioned
// reads/writes plus a durability barrier. Flush must make every
// previously-completed WriteAt durable before returning (an
// fsync/fdatasync equivalent — see FileDevice's use of
// golang.org/x/sys/unix.Fdatasync on *os.File-backed devices).
type BlockDevice interface {
	io.ReaderAt
	io.WriterAt
	Flush() error
}
