package httpapi

import (
	"net/http"

	"github.com/nostrmls/core/internal/codec"
)

// inviteResponse is the wire shape for invite.Invite.
type inviteResponse struct {
	WelcomeEventID string `json:"welcome_event_id"`
	AccountPubKey  string `json:"account_pubkey"`
	InviterPubKey  string `json:"inviter_pubkey"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	MemberCount    int    `json:"member_count"`
	State          string `json:"state"`
}

func toInviteResponse(i Invite) inviteResponse {
	return inviteResponse{
		WelcomeEventID: i.WelcomeEventID, AccountPubKey: i.AccountPubKey, InviterPubKey: i.InviterPubKey,
		Name: i.Meta.Name, Description: i.Meta.Description, MemberCount: i.Meta.MemberCount, State: i.State,
	}
}

func (s *Server) handleFetchInvitesForUser(w http.ResponseWriter, r *http.Request) {
	pubkey := r.URL.Query().Get("pubkey")
	if pubkey == "" {
		http.Error(w, "pubkey query param required", http.StatusBadRequest)
		return
	}
	invites, err := s.cmd.FetchInvitesForUser(pubkey)
	if err != nil {
		errorResponse(w, err)
		return
	}
	out := make([]inviteResponse, 0, len(invites))
	for _, inv := range invites {
		out = append(out, toInviteResponse(inv))
	}
	jsonResponse(w, out, http.StatusOK)
}

func (s *Server) handleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountPubKey  string       `json:"account_pubkey"`
		WelcomeEventID string       `json:"welcome_event_id"`
		WelcomeEvent   *codec.Event `json:"welcome_event"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	group, err := s.cmd.AcceptInvite(r.Context(), req.AccountPubKey, req.WelcomeEventID, req.WelcomeEvent)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, toGroupResponse(*group), http.StatusOK)
}

func (s *Server) handleDeclineInvite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountPubKey  string `json:"account_pubkey"`
		WelcomeEventID string `json:"welcome_event_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.cmd.DeclineInvite(req.AccountPubKey, req.WelcomeEventID); err != nil {
		errorResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFetchAndProcessMLSMessages(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountPubKey string `json:"account_pubkey"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	s.cmd.FetchAndProcessMLSMessages(req.AccountPubKey)
	w.WriteHeader(http.StatusNoContent)
}
