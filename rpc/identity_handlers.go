package rpc

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"keymarket/identity"
)

type registerParams struct {
	Handle  string `json:"handle"`
	Address string `json:"address"`
}

type resolveParams struct {
	Handle string `json:"handle"`
}

type handleResult struct {
	Handle    string `json:"handle"`
	Address   string `json:"address"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// writeIdentityError maps registry failures onto RPC error codes.
func (s *Server) writeIdentityError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidHandle),
		errors.Is(err, identity.ErrUnregisteredHandle):
		writeError(w, http.StatusBadRequest, id, codeInvalidParams, err.Error())
	case errors.Is(err, identity.ErrHandleTaken):
		writeError(w, http.StatusConflict, id, codeInvalidRequest, err.Error())
	default:
		s.log.Error("identity request failed", "error", err)
		writeError(w, http.StatusInternalServerError, id, codeServerError, err.Error())
	}
}

func recordToHandleResult(record *identity.HandleRecord) handleResult {
	return handleResult{
		Handle:    record.Handle,
		Address:   common.Address(record.Address).Hex(),
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, req *RPCRequest) {
	var params registerParams
	if err := firstParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error())
		return
	}
	addr, err := parseTrader(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error())
		return
	}
	record, err := s.registry.Register(params.Handle, addr)
	if err != nil {
		s.writeIdentityError(w, req.ID, err)
		return
	}
	s.log.Info("handle registered", "handle", record.Handle, "address", common.Address(record.Address).Hex())
	writeResult(w, req.ID, recordToHandleResult(record))
}

func (s *Server) handleResolve(w http.ResponseWriter, req *RPCRequest) {
	var params resolveParams
	if err := firstParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error())
		return
	}
	addr, err := s.registry.Resolve(params.Handle)
	if err != nil {
		s.writeIdentityError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{
		"handle":  params.Handle,
		"address": common.Address(addr).Hex(),
	})
}

func (s *Server) handleSetAddress(w http.ResponseWriter, req *RPCRequest) {
	var params registerParams
	if err := firstParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error())
		return
	}
	addr, err := parseTrader(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error())
		return
	}
	record, err := s.registry.SetAddress(params.Handle, addr)
	if err != nil {
		s.writeIdentityError(w, req.ID, err)
		return
	}
	s.log.Info("handle repointed", "handle", record.Handle, "address", common.Address(record.Address).Hex())
	writeResult(w, req.ID, recordToHandleResult(record))
}
