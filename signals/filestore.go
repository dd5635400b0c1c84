package signals

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sigflow/sigflow/sigflow"
)

// FileStore reads pending signals from a directory of *.json files and
// archives terminal ones by renaming them into the archive directory. The
// archived set is also kept in memory so a file that reappears under a name
// we already consumed is never processed twice.
type FileStore struct {
	dir        string
	archiveDir string
	logger     *slog.Logger

	mu       sync.Mutex
	archived map[string]struct{}
}

func NewFileStore(dir, archiveDir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, d := range []string{dir, archiveDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}
	return &FileStore{
		dir:        dir,
		archiveDir: archiveDir,
		logger:     logger,
		archived:   make(map[string]struct{}),
	}, nil
}

// ListPending returns the unarchived *.json files ordered by modification
// time, oldest first.
func (s *FileStore) ListPending() ([]Handle, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read signal dir: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Handle
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if _, done := s.archived[e.Name()]; done {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// raced with an external move, skip until next cycle
			continue
		}
		out = append(out, Handle{Name: e.Name(), ModTime: info.ModTime()})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].Name < out[j].Name
		}
		return out[i].ModTime.Before(out[j].ModTime)
	})
	return out, nil
}

func (s *FileStore) Load(h Handle) (sigflow.Signal, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, h.Name))
	if err != nil {
		return sigflow.Signal{}, fmt.Errorf("read signal %s: %w", h.Name, err)
	}
	var sig sigflow.Signal
	if err := json.Unmarshal(b, &sig); err != nil {
		return sigflow.Signal{}, fmt.Errorf("parse signal %s: %w", h.Name, err)
	}
	return sig, nil
}

// MarkOutcome rewrites the signal file with its processing annotations so the
// archived record documents what happened to it.
func (s *FileStore) MarkOutcome(h Handle, sig sigflow.Signal) error {
	b, err := json.MarshalIndent(sig, "", "  ")
	if err != nil {
		return fmt.Errorf("encode signal %s: %w", h.Name, err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, h.Name), b, 0o644); err != nil {
		return fmt.Errorf("rewrite signal %s: %w", h.Name, err)
	}
	return nil
}

// Archive moves the signal file into the archive directory. A handle already
// archived, or whose file has vanished after we recorded it as archived, is
// a no-op.
func (s *FileStore) Archive(h Handle) error {
	s.mu.Lock()
	_, done := s.archived[h.Name]
	s.mu.Unlock()
	if done {
		return nil
	}

	src := filepath.Join(s.dir, h.Name)
	dst := filepath.Join(s.archiveDir, h.Name)
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("signal vanished before archive", slog.String("signal", h.Name))
		} else {
			return fmt.Errorf("archive signal %s: %w", h.Name, err)
		}
	}

	s.mu.Lock()
	s.archived[h.Name] = struct{}{}
	s.mu.Unlock()
	return nil
}
