package usbcat

import (
	"golang.org/x/sys/unix"
)

// Stream is one end of the standard-stream side of the bridge. Fd feeds the
// poll set; Read and Write must be nonblocking.
type Stream interface {
	Fd() int
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
}

// NewStream places fd in nonblocking mode and wraps it, so a
// registered-but-stale readiness report can never stall the event loop.
func NewStream(fd int) (Stream, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, err
	}
	return &fdStream{fd: fd}, nil
}

type fdStream struct {
	fd int
}

func (s *fdStream) Fd() int {
	return s.fd
}

func (s *fdStream) Read(p []byte) (n int, err error) {
	n, err = unix.Read(s.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (s *fdStream) Write(p []byte) (n int, err error) {
	n, err = unix.Write(s.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}
