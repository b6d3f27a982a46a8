package httpapi

import "net/http"

// accountResponse is the wire shape for identity.Account (§6 create_identity,
// login, set_active_account, get_accounts).
type accountResponse struct {
	PubKey      string `json:"pubkey"`
	DisplayName string `json:"display_name"`
	IsActive    bool   `json:"is_active"`
}

func toAccountResponse(a Account) accountResponse {
	return accountResponse{PubKey: a.PubKey, DisplayName: a.DisplayName, IsActive: a.IsActive}
}

func (s *Server) handleCreateIdentity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	acct, err := s.cmd.CreateIdentity(req.Name)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, toAccountResponse(acct), http.StatusCreated)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NsecOrHex string `json:"nsec_or_hex"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	acct, err := s.cmd.Login(req.NsecOrHex)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, toAccountResponse(acct), http.StatusOK)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PubKey string `json:"pubkey"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.cmd.Logout(req.PubKey); err != nil {
		errorResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetActiveAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PubKey string `json:"pubkey"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	acct, err := s.cmd.SetActiveAccount(req.PubKey)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, toAccountResponse(acct), http.StatusOK)
}

func (s *Server) handleGetAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := s.cmd.GetAccounts()
	if err != nil {
		errorResponse(w, err)
		return
	}
	out := make([]accountResponse, 0, len(accts))
	for _, a := range accts {
		out = append(out, toAccountResponse(a))
	}
	jsonResponse(w, out, http.StatusOK)
}

func (s *Server) handleUpdateAccountOnboarding(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PubKey string     `json:"pubkey"`
		Flags  Onboarding `json:"flags"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.cmd.UpdateAccountOnboarding(req.PubKey, req.Flags); err != nil {
		errorResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteData(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PubKey string `json:"pubkey"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.cmd.DeleteData(req.PubKey); err != nil {
		errorResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
