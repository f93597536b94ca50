package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"preorderd/crypto"
	"preorderd/native/preorder"
)

const (
	codePreorderInvalidParams = -32061
	codePreorderNotFound      = -32062
	codePreorderForbidden     = -32063
	codePreorderConflict      = -32064
	codePreorderInternal      = -32065
)

type preorderPlaceParams struct {
	Buyer    string `json:"buyer"`
	Quantity uint64 `json:"quantity"`
	Amount   string `json:"amount"`
}

type preorderCallerParams struct {
	Caller string `json:"caller"`
}

type preorderBuyerParams struct {
	Buyer string `json:"buyer"`
}

type preorderActivationParams struct {
	Caller string `json:"caller"`
	Buyer  string `json:"buyer"`
	Hash   string `json:"hash"`
}

type preorderConfirmCodeParams struct {
	Buyer string `json:"buyer"`
	Code  string `json:"code"`
}

type preorderAddressParams struct {
	Address string `json:"address"`
}

type preorderEventsParams struct {
	AfterSeq uint64 `json:"afterSeq"`
	Limit    int    `json:"limit"`
}

type preorderBuyerJSON struct {
	Buyer      string `json:"buyer"`
	Quantity   uint64 `json:"quantity"`
	AmountPaid string `json:"amountPaid"`
	Confirmed  bool   `json:"confirmed"`
	Refunded   bool   `json:"refunded"`
}

type preorderInfoJSON struct {
	ProductName    string `json:"productName"`
	UnitPrice      string `json:"unitPrice"`
	Deadline       int64  `json:"deadline"`
	Seller         string `json:"seller"`
	CreatedAt      int64  `json:"createdAt"`
	Delivered      bool   `json:"delivered"`
	DeliveredAt    int64  `json:"deliveredAt,omitempty"`
	FundsWithdrawn bool   `json:"fundsWithdrawn"`
	AnyConfirmed   bool   `json:"anyConfirmed"`
	TotalQuantity  uint64 `json:"totalQuantity"`
	TotalCollected string `json:"totalCollected"`
	EscrowBalance  string `json:"escrowBalance"`
}

type preorderBalanceJSON struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

func (s *Server) handlePreorderPlace(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params preorderPlaceParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	buyer, err := parseAddress(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePreorderInvalidParams, "invalid_params", err.Error())
		return
	}
	if params.Quantity == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codePreorderInvalidParams, "invalid_params", "quantity must be positive")
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePreorderInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.PreorderPlace(buyer, params.Quantity, amount); err != nil {
		writePreorderError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handlePreorderMarkDelivered(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params preorderCallerParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePreorderInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.PreorderMarkDelivered(caller); err != nil {
		writePreorderError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handlePreorderSetActivationCode(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params preorderActivationParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePreorderInvalidParams, "invalid_params", err.Error())
		return
	}
	buyer, err := parseAddress(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePreorderInvalidParams, "invalid_params", err.Error())
		return
	}
	hash, err := parseHash32(params.Hash)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePreorderInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.PreorderSetActivationCode(caller, buyer, hash); err != nil {
		writePreorderError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handlePreorderConfirm(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params preorderBuyerParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	buyer, err := parseAddress(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePreorderInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.PreorderConfirm(buyer); err != nil {
		writePreorderError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handlePreorderConfirmWithCode(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params preorderConfirmCodeParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	buyer, err := parseAddress(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePreorderInvalidParams, "invalid_params", err.Error())
		return
	}
	if strings.TrimSpace(params.Code) == "" {
		writeError(w, http.StatusBadRequest, req.ID, codePreorderInvalidParams, "invalid_params", "code required")
		return
	}
	if err := s.node.PreorderConfirmWithCode(buyer, params.Code); err != nil {
		writePreorderError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handlePreorderRefund(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params preorderBuyerParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	buyer, err := parseAddress(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePreorderInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.PreorderRefund(buyer); err != nil {
		writePreorderError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handlePreorderWithdraw(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params preorderCallerParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePreorderInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.PreorderWithdraw(caller); err != nil {
		writePreorderError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handlePreorderGetBuyer(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params preorderBuyerParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	buyer, err := parseAddress(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePreorderInvalidParams, "invalid_params", err.Error())
		return
	}
	record, err := s.node.PreorderBuyer(buyer)
	if err != nil {
		writePreorderError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, preorderBuyerJSON{
		Buyer:      crypto.MustNewAddress(crypto.PreorderPrefix, record.Buyer[:]).String(),
		Quantity:   record.Quantity,
		AmountPaid: record.AmountPaid.String(),
		Confirmed:  record.Confirmed,
		Refunded:   record.Refunded,
	})
}

func (s *Server) handlePreorderGetInfo(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codePreorderInvalidParams, "invalid_params", "no parameters expected")
		return
	}
	campaign, balance, err := s.node.PreorderInfo()
	if err != nil {
		writePreorderError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, preorderInfoJSON{
		ProductName:    campaign.ProductName,
		UnitPrice:      campaign.UnitPrice.String(),
		Deadline:       campaign.Deadline,
		Seller:         crypto.MustNewAddress(crypto.PreorderPrefix, campaign.Seller[:]).String(),
		CreatedAt:      campaign.CreatedAt,
		Delivered:      campaign.Delivered,
		DeliveredAt:    campaign.DeliveredAt,
		FundsWithdrawn: campaign.FundsWithdrawn,
		AnyConfirmed:   campaign.AnyConfirmed,
		TotalQuantity:  campaign.TotalQuantity,
		TotalCollected: campaign.TotalCollected.String(),
		EscrowBalance:  balance.String(),
	})
}

func (s *Server) handlePreorderGetBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params preorderAddressParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePreorderInvalidParams, "invalid_params", err.Error())
		return
	}
	account, err := s.node.Balance(addr)
	if err != nil {
		writePreorderError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, preorderBalanceJSON{
		Address: params.Address,
		Balance: account.Balance.String(),
		Nonce:   account.Nonce,
	})
}

func (s *Server) handlePreorderListEvents(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	params := preorderEventsParams{Limit: 100}
	if len(req.Params) > 1 {
		writeError(w, http.StatusBadRequest, req.ID, codePreorderInvalidParams, "invalid_params", "at most one parameter object expected")
		return
	}
	if len(req.Params) == 1 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codePreorderInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	if s.journal == nil {
		writeError(w, http.StatusInternalServerError, req.ID, codePreorderInternal, "internal_error", "event journal not configured")
		return
	}
	records, err := s.journal.List(params.AfterSeq, params.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codePreorderInternal, "internal_error", err.Error())
		return
	}
	writeResult(w, req.ID, records)
}

func decodeSingleParam(w http.ResponseWriter, req *RPCRequest, out interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codePreorderInvalidParams, "invalid_params", "exactly one parameter object expected")
		return false
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePreorderInvalidParams, "invalid_params", err.Error())
		return false
	}
	return true
}

func parseAddress(addr string) ([20]byte, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("address required")
	}
	decoded, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return [20]byte{}, err
	}
	var out [20]byte
	copy(out[:], decoded.Bytes())
	return out, nil
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount")
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func parseHash32(value string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return out, fmt.Errorf("hash required")
	}
	cleaned := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if len(cleaned) != 64 {
		return out, fmt.Errorf("hash must be 32 bytes")
	}
	decoded, err := hex.DecodeString(cleaned)
	if err != nil {
		return out, err
	}
	copy(out[:], decoded)
	return out, nil
}

func writePreorderError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codePreorderInternal
	message := "internal_error"
	switch {
	case errors.Is(err, preorder.ErrCampaignMissing):
		status = http.StatusNotFound
		code = codePreorderNotFound
		message = "not_found"
	case errors.Is(err, preorder.ErrNotSeller):
		status = http.StatusForbidden
		code = codePreorderForbidden
		message = "forbidden"
	case errors.Is(err, preorder.ErrDeadlinePassed),
		errors.Is(err, preorder.ErrAlreadyDelivered),
		errors.Is(err, preorder.ErrInvalidQuantity),
		errors.Is(err, preorder.ErrIncorrectPayment),
		errors.Is(err, preorder.ErrNoPreorder),
		errors.Is(err, preorder.ErrCommitmentSet),
		errors.Is(err, preorder.ErrNotDelivered),
		errors.Is(err, preorder.ErrAlreadyConfirmed),
		errors.Is(err, preorder.ErrRefundedCannotConfirm),
		errors.Is(err, preorder.ErrCodeNotSet),
		errors.Is(err, preorder.ErrInvalidCode),
		errors.Is(err, preorder.ErrDeadlineNotReached),
		errors.Is(err, preorder.ErrDeliveredRefundsDisabled),
		errors.Is(err, preorder.ErrAlreadyRefunded),
		errors.Is(err, preorder.ErrAlreadyWithdrawn),
		errors.Is(err, preorder.ErrConfirmationOrWait),
		errors.Is(err, preorder.ErrNoFunds),
		errors.Is(err, preorder.ErrTransferFailed),
		errors.Is(err, preorder.ErrCampaignExists),
		errors.Is(err, preorder.ErrInvalidTerms):
		status = http.StatusConflict
		code = codePreorderConflict
		message = "conflict"
	}
	writeError(w, status, id, code, message, err.Error())
}
