package interact

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/profilepilot/internal/browser"
)

// Artifact is one captured screenshot.
type Artifact struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// Artifacts captures numbered screenshots for one run under <dir>/<run>/.
type Artifacts struct {
	page   browser.Page
	dir    string
	logger *zap.Logger

	mu   sync.Mutex
	seq  int
	list []Artifact
}

// NewArtifacts creates a recorder. An empty dir disables capture.
func NewArtifacts(page browser.Page, dir, runID string, logger *zap.Logger) *Artifacts {
	if dir != "" {
		dir = filepath.Join(dir, runID)
	}
	return &Artifacts{page: page, dir: dir, logger: logger}
}

// Capture takes a screenshot named name and returns its path, or "" when the
// capture failed. Failures never interrupt the run.
func (a *Artifacts) Capture(ctx context.Context, name string) string {
	if a == nil || a.dir == "" {
		return ""
	}
	a.mu.Lock()
	a.seq++
	path := filepath.Join(a.dir, fmt.Sprintf("%03d-%s.png", a.seq, unsafeName.ReplaceAllString(name, "_")))
	a.mu.Unlock()

	if err := a.page.Screenshot(ctx, path); err != nil {
		a.logger.Warn("Screenshot capture failed.", zap.String("name", name), zap.Error(err))
		return ""
	}

	a.mu.Lock()
	a.list = append(a.list, Artifact{Name: name, Path: path})
	a.mu.Unlock()
	return path
}

// List returns the captured artifacts in capture order.
func (a *Artifacts) List() []Artifact {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Artifact(nil), a.list...)
}
