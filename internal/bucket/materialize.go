package bucket

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// CopyError reports one file that could not be copied into its bucket.
type CopyError struct {
	Bucket string
	Src    string
	Err    error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("copy %s into bucket %s: %v", e.Src, e.Bucket, e.Err)
}

func (e *CopyError) Unwrap() error {
	return e.Err
}

// Materialize creates dir/<fingerprint>/ for every bucket of s and copies
// each member's input and metadata files into it. A failed copy is
// reported and the remaining files are still copied.
func Materialize(dir string, s *Set) []*CopyError {
	var errs []*CopyError
	for _, fp := range s.Keys() {
		bucketDir := filepath.Join(dir, fp)
		if err := os.MkdirAll(bucketDir, 0755); err != nil {
			errs = append(errs, &CopyError{Bucket: fp, Src: bucketDir, Err: err})
			continue
		}
		for _, c := range s.Members(fp) {
			for _, src := range []string{c.Path, c.MetaPath} {
				dst := filepath.Join(bucketDir, filepath.Base(src))
				if err := copyFile(src, dst); err != nil {
					errs = append(errs, &CopyError{Bucket: fp, Src: src, Err: err})
				}
			}
		}
	}
	return errs
}

// copyFile copies src to dst through a temporary file in dst's directory,
// so dst is either absent or complete.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
