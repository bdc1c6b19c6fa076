package prelink

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// rewriteImage builds the output file in a temporary file and renames it
// over outputPath. The temporary file lives in the output's directory so
// the rename stays on one filesystem and is atomic.
//
// The image's buffer is released before the rename; callers must not use
// im afterwards.
func rewriteImage(im *Image, plan *NewSegmentPlan, blob []byte, outputPath string) (err error) {
	var st unix.Stat_t
	if err := unix.Stat(im.Path(), &st); err != nil {
		return fmt.Errorf("stat %s: %w", im.Path(), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(outputPath), ".shiva-ld-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	// Original image first. Its header tables already carry the new
	// segment layout, so this is the final byte content up to the old
	// end of file.
	if _, err = tmp.Write(im.Bytes()); err != nil {
		return fmt.Errorf("writing image: %w", err)
	}
	if _, err = tmp.Write(make([]byte, plan.Offset-im.Size())); err != nil {
		return fmt.Errorf("writing padding: %w", err)
	}
	if _, err = tmp.Write(blob); err != nil {
		return fmt.Errorf("writing new segment: %w", err)
	}

	fd := int(tmp.Fd())
	if err = unix.Fchown(fd, int(st.Uid), int(st.Gid)); err != nil {
		return fmt.Errorf("fchown: %w", err)
	}
	if err = unix.Fchmod(fd, st.Mode&07777); err != nil {
		return fmt.Errorf("fchmod: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	im.Close()

	if err = os.Rename(tmp.Name(), outputPath); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}
