// Package milestones is a read-only presentation view over a project's
// planning markdown (MILESTONES.md, PROJECT.md, or ROADMAP.md, in that
// preference order). It never mutates the source file; it only parses
// an optional YAML front-matter block, headings and checklist items into
// the shape the dashboard renders.
// The directory-watch idiom (watch the containing directory rather than
// the file itself, since some filesystems replace-on-write) and the
// debounce-then-invalidate shape are grounded on the pack's
// kadirpekel-hector pkg/config/provider.FileProvider.Watch.
package milestones

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"autopilot/internal/model"
)

var candidateFilenames = []string{"MILESTONES.md", "PROJECT.md", "ROADMAP.md"}

// Reader provides a read-only, cache-invalidated view of a project's
// milestone markdown.
type Reader struct {
	dir     string
	mu      sync.RWMutex
	cached  *model.Milestones
	watcher *fsnotify.Watcher
}

// New constructs a Reader rooted at projectDir. It does not touch disk
// until the first GetMilestones call.
func New(projectDir string) *Reader {
	return &Reader{dir: projectDir}
}

// resolvePath returns the first candidate filename that exists under
// the project directory, in preference order, or "" if none do.
func (r *Reader) resolvePath() string {
	for _, name := range candidateFilenames {
		path := filepath.Join(r.dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// GetMilestones returns the cached parse if present, else parses the
// source file fresh and caches the result (along with starting a
// background watch so a subsequent edit invalidates the cache without
// the handler blocking on disk I/O).
func (r *Reader) GetMilestones() (model.Milestones, error) {
	r.mu.RLock()
	if r.cached != nil {
		m := *r.cached
		r.mu.RUnlock()
		return m, nil
	}
	r.mu.RUnlock()

	path := r.resolvePath()
	if path == "" {
		return model.Milestones{}, fmt.Errorf("no milestone file found in %s", r.dir)
	}

	m, err := parseFile(path)
	if err != nil {
		return model.Milestones{}, err
	}

	r.mu.Lock()
	r.cached = &m
	r.mu.Unlock()

	r.ensureWatching(path)
	return m, nil
}

// ensureWatching starts a directory watch at most once; the watch
// invalidates the cache on any write/create/remove touching path, so
// the next GetMilestones call re-parses from disk.
func (r *Reader) ensureWatching(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watcher != nil {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return // best-effort: cache simply never invalidates if the watcher can't start
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return
	}
	r.watcher = watcher

	go r.watchLoop(watcher, filepath.Base(path))
}

func (r *Reader) watchLoop(watcher *fsnotify.Watcher, filename string) {
	var debounce *time.Timer
	const debounceDelay = 100 * time.Millisecond

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, r.invalidate)

		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (r *Reader) invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()
}

// Close stops the background watch, if any.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watcher == nil {
		return nil
	}
	err := r.watcher.Close()
	r.watcher = nil
	return err
}

// frontMatter is the optional YAML block some MILESTONES.md authors
// prepend (delimited by a leading and trailing "---" line) to state the
// current milestone and shipped list explicitly instead of relying on
// heading/checklist conventions.
type frontMatter struct {
	Current string   `yaml:"current"`
	Shipped []string `yaml:"shipped"`
}

// parseFile scans path for the current milestone (the first "## "
// heading containing "current", case-insensitively, or else the first
// "## " heading found) and the shipped list (checked checklist items,
// "- [x] ..." anywhere in the document). A leading YAML front-matter
// block, if present, overrides both.
func parseFile(path string) (model.Milestones, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Milestones{}, err
	}

	lines := strings.Split(string(data), "\n")
	fm, lines, err := splitFrontMatter(lines)
	if err != nil {
		return model.Milestones{}, fmt.Errorf("parse front matter in %s: %w", path, err)
	}

	var m model.Milestones
	var firstHeading string
	hadFrontMatterShipped := false
	if fm != nil {
		m.Current = fm.Current
		m.Shipped = fm.Shipped
		hadFrontMatterShipped = len(fm.Shipped) > 0
	}

	for _, raw := range lines {
		line := strings.TrimSpace(raw)

		if strings.HasPrefix(line, "## ") {
			heading := strings.TrimSpace(strings.TrimPrefix(line, "## "))
			if firstHeading == "" {
				firstHeading = heading
			}
			if m.Current == "" && strings.Contains(strings.ToLower(heading), "current") {
				m.Current = heading
			}
			continue
		}

		if hadFrontMatterShipped {
			continue
		}
		if item, ok := parseCheckedItem(line); ok {
			m.Shipped = append(m.Shipped, item)
		}
	}

	if m.Current == "" {
		m.Current = firstHeading
	}
	return m, nil
}

// splitFrontMatter peels off a leading "---"-delimited YAML block, if
// present, returning it parsed alongside the remaining body lines. A
// document that doesn't open with "---" has no front matter and is
// returned unchanged.
func splitFrontMatter(lines []string) (*frontMatter, []string, error) {
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return nil, lines, nil
	}

	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			var fm frontMatter
			block := strings.Join(lines[1:i], "\n")
			if err := yaml.Unmarshal([]byte(block), &fm); err != nil {
				return nil, lines, err
			}
			return &fm, lines[i+1:], nil
		}
	}
	return nil, lines, nil
}

// parseCheckedItem recognizes a markdown checklist item in its checked
// form, "- [x] text" or "* [x] text" (case-insensitive "x"), returning
// its trimmed text.
func parseCheckedItem(line string) (string, bool) {
	for _, prefix := range []string{"- [x] ", "- [X] ", "* [x] ", "* [X] "} {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix)), true
		}
	}
	return "", false
}
