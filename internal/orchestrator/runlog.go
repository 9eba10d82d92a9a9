package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/refusal-audit/pipeline/internal/storage/models"
	"github.com/refusal-audit/pipeline/pkg/logger"
)

const (
	logFileName    = "results.json"
	backupFileName = "results.json.bak"
)

// RunLog is the durable result log for one run: a JSON file rewritten
// atomically on every append, with the previous version kept as a backup.
// A process kill at any point loses at most the in-flight request. The
// orchestrator is the only writer; everything downstream reads snapshots.
type RunLog struct {
	mu      sync.Mutex
	dir     string
	results []models.GenerationResult
	byID    map[string]int
}

// OpenRunLog loads an existing log from dir, or starts an empty one.
func OpenRunLog(dir string) (*RunLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run dir: %w", err)
	}

	l := &RunLog{
		dir:  dir,
		byID: make(map[string]int),
	}

	data, err := os.ReadFile(l.path())
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run log: %w", err)
	}

	if err := json.Unmarshal(data, &l.results); err != nil {
		return nil, fmt.Errorf("run log is corrupt: %w", err)
	}

	for i, r := range l.results {
		l.byID[r.RequestID] = i
	}

	logger.Info("Run log loaded",
		zap.String("dir", dir),
		zap.Int("results", len(l.results)),
	)

	return l, nil
}

func (l *RunLog) path() string {
	return filepath.Join(l.dir, logFileName)
}

func (l *RunLog) backupPath() string {
	return filepath.Join(l.dir, backupFileName)
}

// Append commits one terminal result durably. A result for a request
// already in the log overwrites its entry; retries never produce duplicate
// records.
func (l *RunLog) Append(result models.GenerationResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if idx, ok := l.byID[result.RequestID]; ok {
		l.results[idx] = result
	} else {
		l.byID[result.RequestID] = len(l.results)
		l.results = append(l.results, result)
	}

	return l.persist()
}

// persist writes the full log to a temp file, preserves the current log as
// the backup, then renames the temp file into place. Both renames are
// atomic on POSIX filesystems, so a crash leaves either the old or the new
// log intact.
func (l *RunLog) persist() error {
	data, err := json.MarshalIndent(l.results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run log: %w", err)
	}

	tmp, err := os.CreateTemp(l.dir, "results-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp log: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp log: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp log: %w", err)
	}

	if _, err := os.Stat(l.path()); err == nil {
		if err := os.Rename(l.path(), l.backupPath()); err != nil {
			os.Remove(tmpName)
			return fmt.Errorf("failed to back up run log: %w", err)
		}
	}

	if err := os.Rename(tmpName, l.path()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace run log: %w", err)
	}

	return nil
}

// Results returns a snapshot copy of the log.
func (l *RunLog) Results() []models.GenerationResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.GenerationResult, len(l.results))
	copy(out, l.results)
	return out
}

// Completed reports whether a terminal result exists for the request.
func (l *RunLog) Completed(requestID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.byID[requestID]
	return ok
}

// Len returns the number of committed results.
func (l *RunLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.results)
}
