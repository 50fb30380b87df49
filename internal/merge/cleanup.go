package merge

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/steroids-run/steroids/internal/store"
)

// cleanupWorkstreams removes each workstream's clone directory once the
// whole session has merged successfully, refusing to touch any path that
// doesn't resolve strictly under session.WorkspaceRoot.
func (e *Engine) cleanupWorkstreams(ctx context.Context, session *store.ParallelSession, workstreams []store.Workstream) {
	root, err := filepath.Abs(session.WorkspaceRoot)
	if err != nil {
		slog.Warn("merge: resolving workspace root for cleanup", "error", err)
		return
	}
	for _, ws := range workstreams {
		clone, err := filepath.Abs(ws.ClonePath)
		if err != nil {
			slog.Warn("merge: resolving clone path for cleanup", "workstream", ws.ID, "error", err)
			continue
		}
		rel, err := filepath.Rel(root, clone)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			slog.Warn("merge: refusing to remove clone outside workspace root", "workstream", ws.ID, "path", clone)
			continue
		}
		if err := os.RemoveAll(clone); err != nil {
			slog.Warn("merge: removing workstream clone", "workstream", ws.ID, "error", err)
		}
	}
}
