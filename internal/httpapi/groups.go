package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// groupResponse is the wire shape for mlsengine.Group.
type groupResponse struct {
	MLSGroupID   string   `json:"mls_group_id"`
	NostrGroupID string   `json:"nostr_group_id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Type         string   `json:"type"`
	Admins       []string `json:"admins"`
	Members      []string `json:"members"`
	Epoch        uint64   `json:"epoch"`
	State        string   `json:"state"`
	Relays       []string `json:"relays"`
}

func toGroupResponse(g Group) groupResponse {
	return groupResponse{
		MLSGroupID: g.MLSGroupID, NostrGroupID: g.NostrGroupID, Name: g.Name,
		Description: g.Description, Type: string(g.Type), Admins: g.Admins,
		Members: g.Members, Epoch: g.Epoch, State: string(g.State), Relays: g.Relays,
	}
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CreatorPubKey string   `json:"creator_pubkey"`
		MemberPubKeys []string `json:"member_pubkeys"`
		AdminPubKeys  []string `json:"admin_pubkeys"`
		Name          string   `json:"name"`
		Description   string   `json:"description"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	group, err := s.cmd.CreateGroup(r.Context(), req.CreatorPubKey, req.MemberPubKeys, req.AdminPubKeys, req.Name, req.Description)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, toGroupResponse(*group), http.StatusCreated)
}

func (s *Server) handleGetGroups(w http.ResponseWriter, r *http.Request) {
	pubkey := r.URL.Query().Get("account_pubkey")
	if pubkey == "" {
		http.Error(w, "account_pubkey query param required", http.StatusBadRequest)
		return
	}
	groups, err := s.cmd.GetGroups(pubkey)
	if err != nil {
		errorResponse(w, err)
		return
	}
	out := make([]groupResponse, 0, len(groups))
	for _, g := range groups {
		out = append(out, toGroupResponse(g))
	}
	jsonResponse(w, out, http.StatusOK)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	gwr, err := s.cmd.GetGroup(groupID)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, toGroupResponse(gwr.Group), http.StatusOK)
}

func (s *Server) handleGetGroupAndMessages(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")

	var since, until *int64
	if v := r.URL.Query().Get("since"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			since = &n
		}
	}
	if v := r.URL.Query().Get("until"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			until = &n
		}
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	group, entries, err := s.cmd.GetGroupAndMessages(groupID, since, until, limit)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, map[string]interface{}{
		"group":    toGroupResponse(*group),
		"messages": toEntryResponses(entries),
	}, http.StatusOK)
}

func (s *Server) handleGetGroupMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.cmd.GetGroupMembers(chi.URLParam(r, "groupID"))
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, members, http.StatusOK)
}

func (s *Server) handleGetGroupAdmins(w http.ResponseWriter, r *http.Request) {
	admins, err := s.cmd.GetGroupAdmins(chi.URLParam(r, "groupID"))
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, admins, http.StatusOK)
}
