package export

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sys/unix"
)

const gigabyte = 1 << 30

// freeBytes reports available space on the filesystem holding path.
func freeBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// dirSize sums regular file sizes under root.
func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if os.IsNotExist(err) {
		return 0, nil
	}
	return total, err
}

type agedFile struct {
	path  string
	size  int64
	mtime time.Time
}

// evictFIFO deletes the oldest files under root until the directory size
// drops to the target. Emptied job directories go with their files.
func evictFIFO(root string, target int64) (int64, error) {
	var files []agedFile
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, agedFile{path: path, size: info.Size(), mtime: info.ModTime()})
		total += info.Size()
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mtime.Before(files[j].mtime) })

	var freed int64
	for _, f := range files {
		if total-freed <= target {
			break
		}
		if err := os.Remove(f.path); err != nil {
			return freed, err
		}
		freed += f.size
		// Remove the job directory if the file was the last thing in it.
		if dir := filepath.Dir(f.path); dir != root {
			os.Remove(dir)
		}
	}
	return freed, nil
}
