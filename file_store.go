package ktaudit

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang/glog"
)

// fileStateRepository implements StateRepository using a single file at a
// configured path. Parent directories are created as needed on write.
type fileStateRepository struct {
	path string
}

// NewFileStateRepository returns a StateRepository backed by the file at the
// given path.
func NewFileStateRepository(path string) StateRepository {
	return &fileStateRepository{path: path}
}

func (r *fileStateRepository) Get() ([]byte, bool, error) {
	blob, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		glog.Infof("auditor state data not found at %q", r.path)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read auditor state: %w", err)
	}
	return blob, true, nil
}

func (r *fileStateRepository) Put(blob []byte) error {
	if dir := filepath.Dir(r.path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create state directory: %w", err)
		}
	}

	f, err := os.OpenFile(r.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}

	if _, err := f.Write(blob); err != nil {
		_ = f.Close()
		return fmt.Errorf("write auditor state: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync state file: %w", err)
	}
	return f.Close()
}
