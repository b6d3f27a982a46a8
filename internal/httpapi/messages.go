package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nostrmls/core/internal/transcript"
)

// eventResponse is the wire shape for codec.Event.
type eventResponse struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

func toEventResponse(e *Event) eventResponse {
	return eventResponse{ID: e.ID, PubKey: e.PubKey, CreatedAt: e.CreatedAt, Kind: e.Kind, Tags: e.Tags, Content: e.Content, Sig: e.Sig}
}

// entryResponse is the wire shape for transcript.Entry, reusing the
// package's own Invoice/Payment/Reaction DTOs, which already carry JSON tags.
type entryResponse struct {
	EventID   string               `json:"event_id"`
	GroupID   string               `json:"group_id"`
	Author    string               `json:"author"`
	ReplyToID string               `json:"reply_to_id,omitempty"`
	Content   string               `json:"content"`
	CreatedAt int64                `json:"created_at"`
	Kind      int                  `json:"kind"`
	IsMine    bool                 `json:"is_mine"`
	IsHidden  bool                 `json:"is_hidden"`
	Invoice   *transcript.Invoice  `json:"invoice,omitempty"`
	Payment   *transcript.Payment  `json:"payment,omitempty"`
	Reactions []transcript.Reaction `json:"reactions,omitempty"`
}

func toEntryResponse(e Entry) entryResponse {
	return entryResponse{
		EventID: e.EventID, GroupID: e.GroupID, Author: e.Author, ReplyToID: e.ReplyToID,
		Content: e.Content, CreatedAt: e.CreatedAt, Kind: e.Kind, IsMine: e.IsMine,
		IsHidden: e.IsHidden, Invoice: e.Invoice, Payment: e.Payment, Reactions: e.Reactions,
	}
}

func toEntryResponses(entries []Entry) []entryResponse {
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryResponse(e))
	}
	return out
}

func (s *Server) handleSendMlsMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountPubKey string     `json:"account_pubkey"`
		GroupID       string     `json:"group_id"`
		Message       string     `json:"message"`
		Kind          int        `json:"kind"`
		Tags          [][]string `json:"tags"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	ev, err := s.cmd.SendMlsMessage(r.Context(), req.AccountPubKey, req.GroupID, req.Message, req.Kind, req.Tags)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, toEventResponse(ev), http.StatusCreated)
}

func (s *Server) handlePayInvoice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountPubKey string     `json:"account_pubkey"`
		GroupID       string     `json:"group_id"`
		Tags          [][]string `json:"tags"`
		Bolt11        string     `json:"bolt11"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	ev, err := s.cmd.PayInvoice(r.Context(), req.AccountPubKey, req.GroupID, req.Tags, req.Bolt11)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, toEventResponse(ev), http.StatusCreated)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountPubKey string `json:"account_pubkey"`
		GroupID       string `json:"group_id"`
		MessageID     string `json:"message_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	ev, err := s.cmd.DeleteMessage(r.Context(), req.AccountPubKey, req.GroupID, req.MessageID)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, toEventResponse(ev), http.StatusOK)
}

func (s *Server) handleQueryMessage(w http.ResponseWriter, r *http.Request) {
	entry, err := s.cmd.QueryMessage(chi.URLParam(r, "messageID"))
	if err != nil {
		errorResponse(w, err)
		return
	}
	if entry == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	jsonResponse(w, toEntryResponse(*entry), http.StatusOK)
}
