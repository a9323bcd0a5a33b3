package api

import (
	"context"
	"fmt"
	"net/http"
	"sort"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	names := make([]string, 0, len(h.Components))
	for name := range h.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	components := make([]componentStatus, 0, len(names))
	for _, name := range names {
		pinger := h.Components[name]
		if pinger == nil {
			continue
		}
		components = append(components, recordComponent(name, pinger.Ping(ctx)))
	}
	return components, overallStatus, statusCode
}

// Health reports "ok" unless a registered component fails its ping.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	components, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"components": components,
	})
}
