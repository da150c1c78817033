package app

import (
	"context"
	"fmt"
	"time"

	"symindex/internal/engine/state"
	"symindex/internal/shared/util"
)

type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components"`
	HeapMB     uint64            `json:"heap_mb"`
}

type HealthService struct {
	app *App
}

func NewHealthService(app *App) *HealthService {
	return &HealthService{app: app}
}

func (s *HealthService) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:     "up",
		Timestamp:  time.Now().UTC(),
		Components: make(map[string]string),
		HeapMB:     util.GetHeapAllocMB(),
	}

	st := s.app.Engine.Status()
	switch st.State {
	case state.Error:
		status.Status = "down"
		status.Components["index"] = "error: " + st.LastError
	case state.Empty:
		status.Status = "degraded"
		status.Components["index"] = "empty"
	case state.Ready:
		status.Components["index"] = fmt.Sprintf("ready (%d files, %d symbols)", st.IndexedFiles, st.Symbols.Symbols)
	default:
		status.Components["index"] = fmt.Sprintf("%s (%d/%d files)", st.State, st.ProcessedFiles, st.TotalFiles)
	}

	if s.app.BuildDBDegraded() {
		status.Status = worst(status.Status, "degraded")
		status.Components["build_database"] = "unreadable, using fallback arguments"
	} else {
		status.Components["build_database"] = "ok"
	}

	if s.app.extractorErr != nil {
		status.Status = worst(status.Status, "degraded")
		status.Components["extractor"] = s.app.extractorErr.Error()
	} else {
		status.Components["extractor"] = "ok"
	}

	s.app.watchMu.Lock()
	if s.app.restartRequired {
		status.Status = worst(status.Status, "degraded")
		status.Components["config"] = "changed on disk, restart to apply"
	}
	s.app.watchMu.Unlock()

	return status
}

func worst(a, b string) string {
	rank := map[string]int{"up": 0, "degraded": 1, "down": 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
