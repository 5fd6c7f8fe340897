package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Phase is the lifecycle stage reported by /readyz.
type Phase int32

const (
	PhaseRecovering Phase = iota // snapshot restore and replay
	PhaseServing
	PhaseDraining // shutdown, pipeline flushing
)

func (p Phase) String() string {
	switch p {
	case PhaseServing:
		return "serving"
	case PhaseDraining:
		return "draining"
	default:
		return "recovering"
	}
}

// HealthChecker tracks the service phase. Only PhaseServing is ready.
type HealthChecker struct {
	phase    atomic.Int32
	started  time.Time
	sequence atomic.Pointer[func() int64]
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{started: time.Now()}
}

// SetReady flips between serving and not serving. Leaving serving means
// the process is draining.
func (h *HealthChecker) SetReady(ready bool) {
	if ready {
		h.phase.Store(int32(PhaseServing))
		return
	}
	h.phase.CompareAndSwap(int32(PhaseServing), int32(PhaseDraining))
}

func (h *HealthChecker) IsReady() bool { return h.Phase() == PhaseServing }

func (h *HealthChecker) Phase() Phase { return Phase(h.phase.Load()) }

// TrackSequence adds the engine's next sequence to probe responses.
func (h *HealthChecker) TrackSequence(fn func() int64) {
	h.sequence.Store(&fn)
}

// LivenessHandler answers 200 while the process runs.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.started).Truncate(time.Second).String(),
	})
}

// ReadinessHandler answers 200 in PhaseServing and 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"phase": h.Phase().String()}
	if fn := h.sequence.Load(); fn != nil {
		body["sequence"] = (*fn)()
	}

	status := http.StatusServiceUnavailable
	body["status"] = "not_ready"
	if h.IsReady() {
		status = http.StatusOK
		body["status"] = "ready"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
