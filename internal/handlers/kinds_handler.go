package handlers

import (
	"net/http"
)

// KindInfo describes one orderable kind of work.
type KindInfo struct {
	Name string `json:"name"`
	Cost int64  `json:"cost"`
	Mode string `json:"mode"`
}

// StepInfo describes one configured pipeline step.
type StepInfo struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Cost  int64  `json:"cost"`
}

type catalog struct {
	Kinds []KindInfo `json:"kinds"`
	Steps []StepInfo `json:"steps"`
}

// --- GET /api/v1/kinds ---

// ListKinds serves the unit cost table and pipeline layout (public, no auth).
func ListKinds(kinds []KindInfo, steps []StepInfo) http.HandlerFunc {
	body := catalog{Kinds: kinds, Steps: steps}
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, body)
	}
}
