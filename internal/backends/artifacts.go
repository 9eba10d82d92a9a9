package backends

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/refusal-audit/pipeline/pkg/logger"
	"github.com/refusal-audit/pipeline/pkg/utils"
)

// ArtifactStore keeps generated images content-addressed on disk. Writes go
// through a temp file and an atomic rename; a failed write after a
// successful generation surfaces as a Transient adapter error so the
// orchestrator retries instead of losing the artifact silently.
type ArtifactStore struct {
	dir string
}

func NewArtifactStore(dir string) (*ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	return &ArtifactStore{dir: dir}, nil
}

func (s *ArtifactStore) Dir() string {
	return s.dir
}

// Put writes data under its content hash and returns the artifact ref.
// Re-writing identical content is a no-op that returns the same ref.
func (s *ArtifactStore) Put(data []byte, backend string) (string, error) {
	ref := utils.HashBytes(data) + ".png"
	path := filepath.Join(s.dir, ref)

	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	tmp, err := os.CreateTemp(s.dir, "artifact-*.tmp")
	if err != nil {
		return "", &Error{Kind: KindTransient, Backend: backend, Message: "artifact temp create failed", Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", &Error{Kind: KindTransient, Backend: backend, Message: "artifact write failed", Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", &Error{Kind: KindTransient, Backend: backend, Message: "artifact close failed", Err: err}
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", &Error{Kind: KindTransient, Backend: backend, Message: "artifact rename failed", Err: err}
	}

	logger.Debug("Artifact stored", zap.String("ref", ref), zap.Int("bytes", len(data)))
	return ref, nil
}

// Get reads an artifact back by ref.
func (s *ArtifactStore) Get(ref string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, ref))
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", ref, err)
	}
	return data, nil
}

// Path resolves a ref to its on-disk location.
func (s *ArtifactStore) Path(ref string) string {
	return filepath.Join(s.dir, ref)
}
