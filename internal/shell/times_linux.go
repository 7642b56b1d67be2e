package shell

import (
	"time"

	"golang.org/x/sys/unix"
)

func setTimes(host string, t time.Time, noDeref bool) error {
	ts := unix.NsecToTimespec(t.UnixNano())
	flags := 0
	if noDeref {
		flags = unix.AT_SYMLINK_NOFOLLOW
	}
	return unix.UtimesNanoAt(unix.AT_FDCWD, host, []unix.Timespec{ts, ts}, flags)
}
