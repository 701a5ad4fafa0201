// Package httpapi serves the Controller's optional read-only admin
// surface: a single GET /snapshot endpoint reporting membership, index
// summary, and pending op counts as JSON. It has no write verbs, does not
// participate in the client wire protocol, and is bound to a separate
// admin port from the protocol listener.
package httpapi

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"github.com/nvanstrum/distfs/internal/controller"
	"github.com/nvanstrum/distfs/internal/index"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type fileSummary struct {
	Name  string      `json:"name"`
	Size  int64       `json:"size"`
	State index.State `json:"state"`
}

type snapshot struct {
	Members        []int         `json:"members"`
	Files          []fileSummary `json:"files"`
	PendingStores  int           `json:"pending_stores"`
	PendingRemoves int           `json:"pending_removes"`
}

// Handler returns the /snapshot http.Handler for src.
func Handler(src *controller.Controller) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		entries, err := src.Index().Snapshot()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		files := make([]fileSummary, len(entries))
		for i, e := range entries {
			files[i] = fileSummary{Name: e.Name, Size: e.Size, State: e.State}
		}
		stores, removes := src.PendingCounts()
		snap := snapshot{
			Members:        src.Membership().Ports(),
			Files:          files,
			PendingStores:  stores,
			PendingRemoves: removes,
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		_ = enc.Encode(snap)
	})
	return mux
}
