//go:build !linux

package shell

import (
	"os"
	"time"
)

func setTimes(host string, t time.Time, noDeref bool) error {
	if noDeref {
		if info, err := os.Lstat(host); err == nil && info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
	}
	return os.Chtimes(host, t, t)
}
