package httpapi

import (
	"encoding/hex"
	"net/http"
)

func (s *Server) handlePublishKeyPackage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PubKey string `json:"pubkey"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	eventID, err := s.cmd.PublishKeyPackage(r.Context(), req.PubKey)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, map[string]string{"event_id": eventID}, http.StatusOK)
}

func (s *Server) handleDeleteKeyPackages(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PubKey string `json:"pubkey"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.cmd.DeleteKeyPackages(r.Context(), req.PubKey); err != nil {
		errorResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type keyPackageViewResponse struct {
	Ciphersuite uint16 `json:"ciphersuite"`
	SigPubHex   string `json:"sig_pub_hex"`
	InitPubHex  string `json:"init_pub_hex"`
}

func (s *Server) handleParseKeyPackage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Hex string `json:"hex"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if _, err := hex.DecodeString(req.Hex); err != nil {
		http.Error(w, "hex field must be hex-encoded", http.StatusBadRequest)
		return
	}
	view, err := s.cmd.ParseKeyPackage(req.Hex)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, keyPackageViewResponse{
		Ciphersuite: view.Ciphersuite,
		SigPubHex:   view.SigPubHex,
		InitPubHex:  view.InitPubHex,
	}, http.StatusOK)
}
