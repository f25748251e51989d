//go:build !unix && !windows

package presence

import "syscall"

func controlBroadcastReuse(_, _ string, _ syscall.RawConn) error {
	return nil
}
