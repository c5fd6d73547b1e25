//go:build linux

// Package static maps request targets onto files under a document root and
// exposes their contents as read-only memory mappings.
package static

import (
	"errors"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Outcome classifies a resolution.
type Outcome uint8

const (
	File Outcome = iota
	NotFound
	Forbidden
	BadRequest
	InternalError
)

// Status returns the HTTP status code for o.
func (o Outcome) Status() int {
	switch o {
	case File:
		return 200
	case NotFound:
		return 404
	case Forbidden:
		return 403
	case BadRequest:
		return 400
	default:
		return 500
	}
}

func (o Outcome) String() string {
	switch o {
	case File:
		return "file"
	case NotFound:
		return "not-found"
	case Forbidden:
		return "forbidden"
	case BadRequest:
		return "bad-request"
	default:
		return "internal-error"
	}
}

// EmptyBody is served in place of zero-length files, which cannot be mapped.
const EmptyBody = "<html><body></body></html>"

// Mapping is the content of one resolved file.
type Mapping struct {
	name   string
	data   []byte
	mapped bool
}

// Name returns the path the mapping was resolved from, relative to the root.
func (m *Mapping) Name() string {
	return m.name
}

// Bytes returns the mapped region, or EmptyBody for zero-length files. The
// slice is invalid after Close.
func (m *Mapping) Bytes() []byte {
	return m.data
}

// Len returns the number of body bytes.
func (m *Mapping) Len() int {
	return len(m.data)
}

// Close unmaps the region. Later calls do nothing.
func (m *Mapping) Close() error {
	if m == nil || m.data == nil {
		return nil
	}
	data, mapped := m.data, m.mapped
	m.data, m.mapped = nil, false
	if !mapped {
		return nil
	}
	return unix.Munmap(data)
}

// Resolver serves files from Root.
type Resolver struct {
	Root string
}

// NewResolver returns a Resolver rooted at the absolute form of root.
func NewResolver(root string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Resolver{Root: abs}, nil
}

// Resolve maps a normalised target (leading '/', already cleaned) to a file
// under Root. The Mapping is non-nil only when the outcome is File, and the
// caller must Close it.
func (r *Resolver) Resolve(target string) (*Mapping, Outcome) {
	name := filepath.Join(r.Root, filepath.FromSlash(filepath.Clean("/"+target)))

	var st unix.Stat_t
	if err := unix.Stat(name, &st); err != nil {
		return nil, NotFound
	}
	if st.Mode&unix.S_IROTH == 0 {
		return nil, Forbidden
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return nil, BadRequest
	case unix.S_IFREG:
	default:
		return nil, Forbidden
	}

	fd, err := unix.Open(name, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		switch {
		case errors.Is(err, unix.ENOENT):
			return nil, NotFound
		case errors.Is(err, unix.EACCES):
			return nil, Forbidden
		}
		return nil, InternalError
	}
	defer unix.Close(fd)

	if err := unix.Fstat(fd, &st); err != nil {
		return nil, InternalError
	}
	// the path may have been replaced since the stat
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return nil, Forbidden
	}
	if st.Size == 0 {
		return &Mapping{name: target, data: []byte(EmptyBody)}, File
	}

	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, InternalError
	}
	return &Mapping{name: target, data: data, mapped: true}, File
}
