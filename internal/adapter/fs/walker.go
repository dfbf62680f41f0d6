package fs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"docsearch/internal/domain"
	"docsearch/internal/port"
)

// DirectorySource serves plain-text files under a root directory as
// documents. The document ID is the slash-separated path relative to root
// and the revision is the file's modification time in nanoseconds.
type DirectorySource struct {
	root     string
	includes []string
	excludes []string
	maxBytes int64
	logger   *zap.Logger
}

func NewDirectorySource(root string, includes, excludes []string, maxBytes int64, logger *zap.Logger) (*DirectorySource, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: source directory: %w", domain.ErrInvalidConfig, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: source %s is not a directory", domain.ErrInvalidConfig, abs)
	}
	for _, p := range append(append([]string(nil), includes...), excludes...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("%w: bad glob pattern %q", domain.ErrInvalidConfig, p)
		}
	}
	if len(includes) == 0 {
		includes = []string{"**/*"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectorySource{
		root:     abs,
		includes: includes,
		excludes: excludes,
		maxBytes: maxBytes,
		logger:   logger,
	}, nil
}

func (s *DirectorySource) Root() string {
	return s.root
}

// List walks root and returns every included file ordered by ID.
func (s *DirectorySource) List(ctx context.Context) ([]port.SourceDocument, error) {
	var docs []port.SourceDocument

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel != "." && s.shouldExclude(rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !s.matches(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if s.maxBytes > 0 && info.Size() > s.maxBytes {
			s.logger.Warn("skipping oversized file", zap.String("doc_id", rel), zap.Int64("size", info.Size()))
			return nil
		}
		docs = append(docs, port.SourceDocument{
			ID:       rel,
			Path:     path,
			ModTime:  info.ModTime().Unix(),
			Size:     info.Size(),
			Revision: info.ModTime().UnixNano(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

// Read returns the file behind id as an ingest request.
func (s *DirectorySource) Read(ctx context.Context, id string) (domain.IngestRequest, error) {
	if err := ctx.Err(); err != nil {
		return domain.IngestRequest{}, err
	}
	path, err := s.resolve(id)
	if err != nil {
		return domain.IngestRequest{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.IngestRequest{}, fmt.Errorf("%w: %s", domain.ErrDocumentNotFound, id)
		}
		return domain.IngestRequest{}, err
	}
	if s.maxBytes > 0 && info.Size() > s.maxBytes {
		return domain.IngestRequest{}, fmt.Errorf("%w: %s is %d bytes, limit %d",
			domain.ErrInvalidInput, id, info.Size(), s.maxBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return domain.IngestRequest{}, err
	}
	if !utf8.Valid(data) {
		return domain.IngestRequest{}, fmt.Errorf("%w: %s is not valid UTF-8 text", domain.ErrInvalidInput, id)
	}

	return domain.IngestRequest{
		DocumentID: id,
		Text:       string(data),
		Revision:   info.ModTime().UnixNano(),
	}, nil
}

func (s *DirectorySource) resolve(id string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(id))
	if id == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: document id %q escapes the source root", domain.ErrInvalidInput, id)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *DirectorySource) matches(rel string) bool {
	return s.shouldInclude(rel) && !s.shouldExclude(rel)
}

func (s *DirectorySource) shouldInclude(path string) bool {
	for _, pattern := range s.includes {
		if matched, err := doublestar.Match(pattern, path); err == nil && matched {
			return true
		}
	}
	return false
}

func (s *DirectorySource) shouldExclude(path string) bool {
	for _, pattern := range s.excludes {
		if matched, err := doublestar.Match(pattern, path); err == nil && matched {
			return true
		}
	}
	return false
}

// Change reports that a document was written or deleted on disk.
type Change struct {
	ID      string
	Deleted bool
}

// Watch emits changes to included files until ctx is done. Events for the
// same file within debounce collapse into one change; a burst is flushed in
// ID order once the directory has been quiet for debounce.
func (s *DirectorySource) Watch(ctx context.Context, debounce time.Duration) (<-chan Change, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := s.addDirs(watcher, s.root); err != nil {
		watcher.Close()
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	out := make(chan Change)
	go func() {
		defer close(out)
		defer watcher.Close()

		pending := make(map[string]bool)
		timer := time.NewTimer(debounce)
		timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if id, deleted, ok := s.classify(watcher, ev); ok {
					pending[id] = deleted
					timer.Reset(debounce)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("watch error", zap.Error(err))

			case <-timer.C:
				ids := make([]string, 0, len(pending))
				for id := range pending {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				for _, id := range ids {
					select {
					case out <- Change{ID: id, Deleted: pending[id]}:
					case <-ctx.Done():
						return
					}
				}
				clear(pending)
			}
		}
	}()
	return out, nil
}

func (s *DirectorySource) addDirs(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		if rel != "." && s.shouldExclude(filepath.ToSlash(rel)+"/") {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// classify maps a raw event to a document change. New directories are
// added to the watch list and produce no change themselves.
func (s *DirectorySource) classify(watcher *fsnotify.Watcher, ev fsnotify.Event) (string, bool, bool) {
	rel, err := filepath.Rel(s.root, ev.Name)
	if err != nil {
		return "", false, false
	}
	rel = filepath.ToSlash(rel)

	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		if !s.matches(rel) {
			return "", false, false
		}
		return rel, true, true

	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return "", false, false
		}
		if info.IsDir() {
			if ev.Has(fsnotify.Create) && !s.shouldExclude(rel+"/") {
				if err := s.addDirs(watcher, ev.Name); err != nil {
					s.logger.Warn("failed to watch new directory", zap.String("path", ev.Name), zap.Error(err))
				}
			}
			return "", false, false
		}
		if !info.Mode().IsRegular() || !s.matches(rel) {
			return "", false, false
		}
		return rel, false, true
	}
	return "", false, false
}
