package httpapi

import "net/http"

func (s *Server) handleFetchRelays(w http.ResponseWriter, r *http.Request) {
	pubkey := r.URL.Query().Get("pubkey")
	if pubkey == "" {
		http.Error(w, "pubkey query param required", http.StatusBadRequest)
		return
	}
	jsonResponse(w, s.cmd.FetchRelays(pubkey), http.StatusOK)
}

func (s *Server) handlePublishRelayList(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PubKey  string `json:"pubkey"`
		Kind    int    `json:"kind"`
		Entries []struct {
			URL  string `json:"url"`
			Mode string `json:"mode"`
		} `json:"entries"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	entries := make([]RelayEntry, 0, len(req.Entries))
	for _, e := range req.Entries {
		entries = append(entries, RelayEntry{URL: e.URL, Mode: e.Mode})
	}

	if err := s.cmd.PublishRelayList(r.Context(), req.PubKey, req.Kind, entries); err != nil {
		errorResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
