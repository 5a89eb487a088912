package fsutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// PrepareWorkdir creates a fresh <root>/<stage>/<id> directory, removing any
// leftovers from an earlier attempt, and copies input into it when given.
// It returns the directory and the path of the copied input.
func PrepareWorkdir(root, stage, id, input string) (dir, copied string, err error) {
	dir = filepath.Join(root, stage, id)
	if err := os.RemoveAll(dir); err != nil {
		return "", "", fmt.Errorf("clearing workdir %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("creating workdir %s: %w", dir, err)
	}
	if input == "" {
		return dir, "", nil
	}
	copied = filepath.Join(dir, filepath.Base(input))
	if err := CopyFile(input, copied); err != nil {
		return "", "", fmt.Errorf("copying input for %s: %w", id, err)
	}
	return dir, copied, nil
}

// CopyFile copies src to dst, creating or truncating dst.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
