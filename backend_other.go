//go:build !unix

package sharc

import "github.com/sharclabs/sharc/internal/pagesrc"

// closableSource is the handle openBackend returns: a writable page
// source that also owns a file descriptor or mapping to release on
// Database.Close.
type closableSource interface {
	pagesrc.WritablePageSource
	Close() error
}

// openBackend falls back to the plain file-backed source on non-unix
// platforms, since pagesrc.Mmap depends on golang.org/x/sys/unix.
// OpenOptions.UseMmap is silently ignored here rather than erroring,
// since it's a performance hint, not a correctness requirement.
func openBackend(path string, pageSize int, opts OpenOptions) (closableSource, error) {
	return pagesrc.OpenFile(path, pageSize, opts.PageTransform)
}
