// internal/session/artifacts.go
package session

import (
	"fmt"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/visorlabs/visor-cli/api/schemas"
	"github.com/visorlabs/visor-cli/internal/config"
)

var artifactJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// ArtifactWriter persists per-step debug output under
// <root>/<session-id>/. Every write failure is logged and swallowed: a full
// disk must never kill a running session.
type ArtifactWriter struct {
	dir     string
	enabled bool
	logger  *zap.Logger
}

// NewArtifactWriter creates the session's artifact directory. A disabled
// config or an unusable root yields an inert writer.
func NewArtifactWriter(cfg config.ArtifactsConfig, sessionID string, logger *zap.Logger) *ArtifactWriter {
	w := &ArtifactWriter{logger: logger.Named("artifacts")}
	if !cfg.Enabled {
		return w
	}

	root, err := config.ExpandPath(cfg.Root)
	if err != nil {
		w.logger.Warn("Artifacts root is unusable, disabling artifacts.",
			zap.String("root", cfg.Root), zap.Error(err))
		return w
	}

	dir := filepath.Join(root, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.logger.Warn("Cannot create artifacts directory, disabling artifacts.",
			zap.String("dir", dir), zap.Error(err))
		return w
	}

	w.dir = dir
	w.enabled = true
	return w
}

// Dir returns the session's artifact directory, or "" when disabled.
func (w *ArtifactWriter) Dir() string {
	if !w.enabled {
		return ""
	}
	return w.dir
}

// WriteStep records one iteration: the screenshot, the detected elements,
// the plan (when one was produced), and the outcome.
func (w *ArtifactWriter) WriteStep(step int, snapshot *schemas.Snapshot, plan *schemas.ActionPlan, outcome schemas.ExecutionOutcome) {
	if !w.enabled {
		return
	}

	if snapshot != nil && len(snapshot.Image) > 0 {
		w.writeFile(fmt.Sprintf("step_%03d.png", step), snapshot.Image)
	}
	if snapshot != nil {
		w.writeJSON(fmt.Sprintf("step_%03d.detections.json", step), snapshot.Elements)
	}
	if plan != nil {
		w.writeJSON(fmt.Sprintf("step_%03d.plan.json", step), plan)
	}
	w.writeJSON(fmt.Sprintf("step_%03d.outcome.json", step), outcome)
}

// WriteResult records the final session summary.
func (w *ArtifactWriter) WriteResult(result *schemas.SessionResult) {
	if !w.enabled {
		return
	}
	w.writeJSON("session.json", result)
}

// WriteHAR records the traffic archive captured during the run.
func (w *ArtifactWriter) WriteHAR(har *schemas.HAR) {
	if !w.enabled || har == nil {
		return
	}
	w.writeJSON("traffic.har", har)
}

// Remove deletes the artifact directory, used by the TTL sweeper.
func (w *ArtifactWriter) Remove() error {
	if !w.enabled {
		return nil
	}
	return os.RemoveAll(w.dir)
}

func (w *ArtifactWriter) writeJSON(name string, v any) {
	data, err := artifactJSON.MarshalIndent(v, "", "  ")
	if err != nil {
		w.logger.Warn("Artifact encode failed.", zap.String("name", name), zap.Error(err))
		return
	}
	w.writeFile(name, data)
}

func (w *ArtifactWriter) writeFile(name string, data []byte) {
	path := filepath.Join(w.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		w.logger.Warn("Artifact write failed.", zap.String("path", path), zap.Error(err))
	}
}
