//go:build darwin || linux

package tunnel

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// socketTag discriminates the entries of a watch set so the engines can
// dispatch without inspecting the socket itself.
type socketTag uint8

const (
	socketICMP socketTag = iota
	socketStream
)

type watchedSocket struct {
	tag socketTag
	fd  int
}

// waitReadable blocks until at least one watched socket is readable and
// returns the ready subset. The wait is level-triggered and the ordering
// within a batch carries no meaning. The watch set may only change between
// calls.
func waitReadable(watched []watchedSocket) ([]watchedSocket, error) {
	fds := make([]unix.PollFd, len(watched))
	for i, w := range watched {
		fds[i] = unix.PollFd{Fd: int32(w.fd), Events: unix.POLLIN}
	}
	for {
		n, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "poll failed")
		}
		ready := make([]watchedSocket, 0, n)
		for i, pfd := range fds {
			if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
				ready = append(ready, watched[i])
			}
		}
		return ready, nil
	}
}
