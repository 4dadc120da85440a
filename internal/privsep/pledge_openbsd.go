//go:build openbsd

package privsep

import "golang.org/x/sys/unix"

// Pledge revokes access to most system calls. Workers call this right
// after inheriting their channel; they must not open sockets afterwards.
func Pledge(promises string) error {
	return unix.PledgePromises(promises)
}
