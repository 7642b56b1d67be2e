package shell

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/tinyrange/ccbuild/internal/fslayer"
)

// Errors returned when a name is missing from the snapshot's account files.
var (
	ErrUnknownUser  = errors.New("unknown user")
	ErrUnknownGroup = errors.New("unknown group")
)

// readAccounts returns the colon separated records of an /etc/passwd style
// file in the snapshot. A missing file has no records.
func readAccounts(r *fslayer.Rootfs, file string) ([][]string, error) {
	host, err := r.Path(file, true)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(host)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records [][]string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		records = append(records, strings.Split(line, ":"))
	}
	return records, sc.Err()
}

// lookupUser resolves a user name or numeric id. The returned gid is the
// user's primary group, or 0 for a numeric id without a passwd entry.
func lookupUser(r *fslayer.Rootfs, name string) (uid, gid int, err error) {
	records, err := readAccounts(r, "/etc/passwd")
	if err != nil {
		return 0, 0, err
	}
	id, numErr := strconv.Atoi(name)
	for _, rec := range records {
		if len(rec) < 4 {
			continue
		}
		recUID, err1 := strconv.Atoi(rec[2])
		recGID, err2 := strconv.Atoi(rec[3])
		if err1 != nil || err2 != nil {
			continue
		}
		if rec[0] == name || (numErr == nil && recUID == id) {
			return recUID, recGID, nil
		}
	}
	if numErr == nil && id >= 0 {
		return id, 0, nil
	}
	return 0, 0, fmt.Errorf("%w: %s", ErrUnknownUser, name)
}

func lookupGroup(r *fslayer.Rootfs, name string) (int, error) {
	if id, err := strconv.Atoi(name); err == nil && id >= 0 {
		return id, nil
	}
	records, err := readAccounts(r, "/etc/group")
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		if len(rec) < 3 || rec[0] != name {
			continue
		}
		if gid, err := strconv.Atoi(rec[2]); err == nil {
			return gid, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownGroup, name)
}

// UserOwner resolves a USER value of the form user[:group]. Without a group
// the user's primary group from /etc/passwd is used.
func UserOwner(r *fslayer.Rootfs, spec string) (fslayer.Owner, error) {
	user, group, hasGroup := strings.Cut(spec, ":")
	if user == "" {
		return fslayer.Owner{}, fmt.Errorf("%w: empty user in %q", ErrUnknownUser, spec)
	}
	uid, gid, err := lookupUser(r, user)
	if err != nil {
		return fslayer.Owner{}, err
	}
	if hasGroup && group != "" {
		if gid, err = lookupGroup(r, group); err != nil {
			return fslayer.Owner{}, err
		}
	}
	return fslayer.Owner{UID: uid, GID: gid}, nil
}

// ChownOwner resolves a COPY --chown value. Without a group the gid equals
// the uid.
func ChownOwner(r *fslayer.Rootfs, spec string) (fslayer.Owner, error) {
	user, group, hasGroup := strings.Cut(spec, ":")
	if user == "" {
		return fslayer.Owner{}, fmt.Errorf("%w: empty user in %q", ErrUnknownUser, spec)
	}
	uid, _, err := lookupUser(r, user)
	if err != nil {
		return fslayer.Owner{}, err
	}
	gid := uid
	if hasGroup && group != "" {
		if gid, err = lookupGroup(r, group); err != nil {
			return fslayer.Owner{}, err
		}
	}
	return fslayer.Owner{UID: uid, GID: gid}, nil
}

// HomeDir returns the home directory of a user from /etc/passwd, or "/" when
// the user has none.
func HomeDir(r *fslayer.Rootfs, user string) string {
	records, err := readAccounts(r, "/etc/passwd")
	if err != nil {
		return "/"
	}
	id, numErr := strconv.Atoi(user)
	for _, rec := range records {
		if len(rec) < 6 {
			continue
		}
		if rec[0] == user || (numErr == nil && rec[2] == strconv.Itoa(id)) {
			if rec[5] != "" {
				return rec[5]
			}
			break
		}
	}
	return "/"
}
