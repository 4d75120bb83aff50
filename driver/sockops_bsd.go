//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package driver

import "golang.org/x/sys/unix"

// acceptNonblock emulates accept4 where it is missing (darwin).
func acceptNonblock(fd int) (int, error) {
	nfd, _, err := unix.Accept(fd)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(nfd)
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return -1, err
	}
	return nfd, nil
}
