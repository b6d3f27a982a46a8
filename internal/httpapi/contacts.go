package httpapi

import "net/http"

// contactResponse is the wire shape for command.Contact.
type contactResponse struct {
	PubKey  string `json:"pubkey"`
	Name    string `json:"name"`
	About   string `json:"about"`
	Picture string `json:"picture"`
	Nip05   string `json:"nip05"`
	IsLocal bool   `json:"is_local"`
}

func toContactResponse(c Contact) contactResponse {
	return contactResponse{
		PubKey: c.PubKey, Name: c.Name, About: c.About,
		Picture: c.Picture, Nip05: c.Nip05, IsLocal: c.IsLocal,
	}
}

func toContactMap(m map[string]Contact) map[string]contactResponse {
	out := make(map[string]contactResponse, len(m))
	for k, v := range m {
		out[k] = toContactResponse(v)
	}
	return out
}

func (s *Server) handleFetchEnrichedContacts(w http.ResponseWriter, r *http.Request) {
	pubkey := r.URL.Query().Get("pubkey")
	if pubkey == "" {
		http.Error(w, "pubkey query param required", http.StatusBadRequest)
		return
	}
	contacts, err := s.cmd.FetchEnrichedContacts(r.Context(), pubkey)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, toContactMap(contacts), http.StatusOK)
}

func (s *Server) handleQueryEnrichedContact(w http.ResponseWriter, r *http.Request) {
	pubkey := r.URL.Query().Get("pubkey")
	contactPubKey := r.URL.Query().Get("contact_pubkey")
	if pubkey == "" || contactPubKey == "" {
		http.Error(w, "pubkey and contact_pubkey query params required", http.StatusBadRequest)
		return
	}
	updateAccount := r.URL.Query().Get("update_account") == "true"
	contact := s.cmd.QueryEnrichedContact(r.Context(), pubkey, contactPubKey, updateAccount)
	jsonResponse(w, toContactResponse(contact), http.StatusOK)
}

func (s *Server) handleSearchEnrichedContacts(w http.ResponseWriter, r *http.Request) {
	pubkey := r.URL.Query().Get("pubkey")
	query := r.URL.Query().Get("query")
	if pubkey == "" {
		http.Error(w, "pubkey query param required", http.StatusBadRequest)
		return
	}
	jsonResponse(w, toContactMap(s.cmd.SearchForEnrichedContacts(pubkey, query)), http.StatusOK)
}
