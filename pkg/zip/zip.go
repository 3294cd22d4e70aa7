package zip

import (
	"archive/zip"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// Entry is one file of an archive.
type Entry struct {
	Name     string
	Modified time.Time
	Data     []byte
}

// Write streams entries into a zip archive on w. Repeated names get a
// numeric suffix before the extension so no entry is shadowed.
func Write(w io.Writer, entries []Entry) error {
	zw := zip.NewWriter(w)
	seen := make(map[string]int, len(entries))
	for _, e := range entries {
		hdr := &zip.FileHeader{
			Name:     uniqueName(seen, e.Name),
			Method:   zip.Deflate,
			Modified: e.Modified,
		}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("zip: create %s: %w", hdr.Name, err)
		}
		if _, err := fw.Write(e.Data); err != nil {
			return fmt.Errorf("zip: write %s: %w", hdr.Name, err)
		}
	}
	return zw.Close()
}

func uniqueName(seen map[string]int, name string) string {
	name = strings.TrimLeft(path.Clean("/"+strings.ReplaceAll(name, "\\", "/")), "/")
	if name == "" {
		name = "file"
	}
	n := seen[name]
	seen[name] = n + 1
	if n == 0 {
		return name
	}
	ext := path.Ext(name)
	return fmt.Sprintf("%s_%d%s", strings.TrimSuffix(name, ext), n, ext)
}
