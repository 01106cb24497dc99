package checkpointstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// blobPath returns the path a blob with the given content hash is stored at,
// sharded by hash prefix to keep directories small.
func blobPath(root, hash string) string {
	return filepath.Join(root, "blobs", hash[:2], hash)
}

// hashFile computes the sha256 content hash of the file at path.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// storeBlob writes the file at srcPath into the blob store keyed by hash, unless a
// blob with that hash is already stored.
func storeBlob(root, hash, srcPath string) error {
	dst := blobPath(root, hash)
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create blob directory: %w", err)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".blob-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, dst)
}

// restoreBlob copies the blob with the given hash to dstPath with the given mode.
func restoreBlob(root, hash, dstPath string, mode uint32) error {
	src := blobPath(root, hash)
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open blob %s: %w", hash, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dstPath), ".restore-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, os.FileMode(mode)); err != nil {
		return err
	}
	return os.Rename(tmpPath, dstPath)
}
