//go:build unix

package sharc

import "github.com/sharclabs/sharc/internal/pagesrc"

// closableSource is the handle openBackend returns: a writable page
// source that also owns a file descriptor or mapping to release on
// Database.Close.
type closableSource interface {
	pagesrc.WritablePageSource
	Close() error
}

// openBackend picks the file-backed source OpenOptions asks for. Mmap is
// only available on unix (golang.org/x/sys/unix's Mmap/Munmap/Msync have
// no portable equivalent), mirroring the teacher's own backend.go, which
// selected among multiple PageBackend implementations by configuration.
func openBackend(path string, pageSize int, opts OpenOptions) (closableSource, error) {
	if opts.UseMmap {
		return pagesrc.OpenMmap(path, pageSize, opts.PageTransform)
	}
	return pagesrc.OpenFile(path, pageSize, opts.PageTransform)
}
