package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"safehold/native/dispute"
	"safehold/native/escrow"
	"safehold/native/registry"
	"safehold/native/timelock"
)

func (s *Server) buildMethodTable() map[string]methodSpec {
	table := make(map[string]methodSpec)
	add := func(name string, admin, write bool, handler func(json.RawMessage) (interface{}, *RPCError)) {
		table[name] = methodSpec{handler: handler, admin: admin, write: write}
	}

	if s.modules.Registry != nil {
		add("registry_createEscrow", false, true, s.handleCreateEscrow)
		add("registry_escrowByTradeId", false, false, s.handleEscrowByTradeID)
		add("registry_sellerEscrows", false, false, s.handleSellerEscrows)
		add("registry_totalEscrows", false, false, s.handleTotalEscrows)
		add("registry_creationFee", false, false, s.handleCreationFee)
		add("registry_pause", true, false, s.handlePause(true))
		add("registry_unpause", true, false, s.handlePause(false))
		add("registry_setCreationFee", true, false, s.handleSetCreationFee)
		add("registry_withdrawFees", true, true, s.handleWithdrawFees)
		add("registry_setTemplate", true, false, s.handleSetTemplate)
	}
	if s.modules.Escrow != nil {
		add("escrow_get", false, false, s.handleEscrowGet)
		add("escrow_fund", false, true, s.handleEscrowFund)
		add("escrow_confirmReceipt", false, true, s.handleConfirmReceipt)
		add("escrow_release", false, true, s.handleRelease)
		add("escrow_emergencyStop", false, true, s.handleEmergencyStop)
		add("escrow_raiseDispute", false, true, s.handleRaiseDispute)
		add("escrow_cancel", false, true, s.handleCancel)
		add("escrow_remainingLockTime", false, false, s.handleRemainingLockTime)
		add("escrow_verifyPanicCode", false, false, s.handleVerifyPanicCode)
	}
	if s.modules.TimeLock != nil {
		add("timelock_durationForAmount", false, false, s.handleDurationForAmount)
		add("timelock_duration", false, false, s.handleDuration)
		add("timelock_extensions", false, false, s.handleExtensions)
	}
	if s.modules.Emergency != nil {
		add("emergency_resolve", false, true, s.handleEmergencyResolve)
		add("emergency_activation", false, false, s.handleActivation)
		add("emergency_addContact", true, true, s.handleAddContact)
		add("emergency_removeContact", true, true, s.handleRemoveContact)
		add("emergency_contacts", false, false, s.handleContacts)
	}
	if s.modules.Disputes != nil {
		add("dispute_file", false, true, s.handleDisputeFile)
		add("dispute_resolve", false, true, s.handleDisputeResolve)
		add("dispute_get", false, false, s.handleDisputeGet)
		add("dispute_isActive", false, false, s.handleDisputeIsActive)
		add("dispute_addArbitrator", true, true, s.handleAddArbitrator)
		add("dispute_removeArbitrator", true, true, s.handleRemoveArbitrator)
	}
	if s.modules.Reputation != nil {
		add("reputation_score", false, false, s.handleReputationScore)
		add("reputation_profile", false, false, s.handleReputationProfile)
		add("reputation_isTrustworthy", false, false, s.handleIsTrustworthy)
		add("reputation_recordTrade", true, true, s.handleRecordTrade)
		add("reputation_recordDispute", true, true, s.handleRecordDispute)
		add("reputation_applyPenalty", true, true, s.handleApplyPenalty)
	}
	return table
}

func decodeParams(params json.RawMessage, out interface{}) *RPCError {
	if len(params) == 0 {
		return errorObj(codeInvalidParams, "params required")
	}
	if err := json.Unmarshal(params, out); err != nil {
		return errorObj(codeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	return nil
}

func parseAddr(value string) ([20]byte, error) {
	trimmed := strings.TrimSpace(value)
	if !ethcommon.IsHexAddress(trimmed) {
		return [20]byte{}, fmt.Errorf("invalid address %q", value)
	}
	return ethcommon.HexToAddress(trimmed), nil
}

func parseHash(value string) ([32]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil || len(raw) != 32 {
		return [32]byte{}, fmt.Errorf("invalid 32-byte hex value %q", value)
	}
	var out [32]byte
	copy(out[:], raw)
	return out, nil
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

func hashHex(value [32]byte) string {
	return "0x" + hex.EncodeToString(value[:])
}

func addrHex(value [20]byte) string {
	return ethcommon.Address(value).Hex()
}

type createEscrowParams struct {
	Seller       string `json:"seller"`
	Buyer        string `json:"buyer"`
	Amount       string `json:"amount"`
	Description  string `json:"description"`
	TradeID      string `json:"tradeId"`
	LockOverride int64  `json:"lockOverride"`
	Fee          string `json:"fee"`
}

func (s *Server) handleCreateEscrow(params json.RawMessage) (interface{}, *RPCError) {
	var p createEscrowParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	seller, err := parseAddr(p.Seller)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	buyer, err := parseAddr(p.Buyer)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	amount, err := parseAmount(p.Amount)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	tradeID, err := parseHash(p.TradeID)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	fee, err := parseAmount(p.Fee)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	id, err := s.modules.Registry.CreateEscrow(registry.CreateEscrowParams{
		Seller:       seller,
		Buyer:        buyer,
		Amount:       amount,
		Description:  p.Description,
		TradeID:      tradeID,
		LockOverride: p.LockOverride,
	}, fee)
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]string{"id": hashHex(id)}, nil
}

type idParams struct {
	ID string `json:"id"`
}

func (s *Server) escrowID(params json.RawMessage) ([32]byte, *RPCError) {
	var p idParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return [32]byte{}, rpcErr
	}
	id, err := parseHash(p.ID)
	if err != nil {
		return [32]byte{}, errorObj(codeInvalidParams, err.Error())
	}
	return id, nil
}

type escrowView struct {
	ID           string `json:"id"`
	Seller       string `json:"seller"`
	Buyer        string `json:"buyer"`
	Amount       string `json:"amount"`
	Description  string `json:"description"`
	TradeID      string `json:"tradeId"`
	LockOverride int64  `json:"lockOverride"`
	Template     uint64 `json:"template"`
	Status       string `json:"status"`
	HeldBalance  string `json:"heldBalance"`
	TimeLockEnd  int64  `json:"timeLockEnd"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`

	EmergencyActivator string `json:"emergencyActivator,omitempty"`
	EmergencyAt        int64  `json:"emergencyAt,omitempty"`
	DisputeDisputant   string `json:"disputeDisputant,omitempty"`
	DisputeReason      string `json:"disputeReason,omitempty"`
	DisputeFiledAt     int64  `json:"disputeFiledAt,omitempty"`
}

func escrowToView(rec *escrow.Escrow) *escrowView {
	if rec == nil {
		return nil
	}
	view := &escrowView{
		ID:           hashHex(rec.ID),
		Seller:       addrHex(rec.Seller),
		Buyer:        addrHex(rec.Buyer),
		Amount:       rec.Amount.String(),
		Description:  rec.Description,
		TradeID:      hashHex(rec.TradeID),
		LockOverride: rec.LockOverride,
		Template:     rec.Template,
		Status:       rec.Status.String(),
		HeldBalance:  rec.HeldBalance.String(),
		TimeLockEnd:  rec.TimeLockEnd,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
	if rec.Emergency != nil {
		view.EmergencyActivator = addrHex(rec.Emergency.Activator)
		view.EmergencyAt = rec.Emergency.ActivatedAt
	}
	if rec.Dispute != nil {
		view.DisputeDisputant = addrHex(rec.Dispute.Disputant)
		view.DisputeReason = rec.Dispute.Reason
		view.DisputeFiledAt = rec.Dispute.FiledAt
	}
	return view
}

func (s *Server) handleEscrowGet(params json.RawMessage) (interface{}, *RPCError) {
	id, rpcErr := s.escrowID(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	rec, ok, err := s.modules.Escrow.Get(id)
	if err != nil {
		return nil, mapError(err)
	}
	if !ok {
		return nil, mapError(escrow.ErrNotFound)
	}
	return escrowToView(rec), nil
}

type fundParams struct {
	ID        string `json:"id"`
	Caller    string `json:"caller"`
	PanicHash string `json:"panicHash"`
	Value     string `json:"value"`
}

func (s *Server) handleEscrowFund(params json.RawMessage) (interface{}, *RPCError) {
	var p fundParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	id, err := parseHash(p.ID)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	caller, err := parseAddr(p.Caller)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	hash, err := parseHash(p.PanicHash)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	value, err := parseAmount(p.Value)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	if err := s.modules.Escrow.Fund(id, caller, hash, value); err != nil {
		return nil, mapError(err)
	}
	return map[string]bool{"funded": true}, nil
}

type callerParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
}

func (s *Server) idAndCaller(params json.RawMessage) ([32]byte, [20]byte, *RPCError) {
	var p callerParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return [32]byte{}, [20]byte{}, rpcErr
	}
	id, err := parseHash(p.ID)
	if err != nil {
		return [32]byte{}, [20]byte{}, errorObj(codeInvalidParams, err.Error())
	}
	caller, err := parseAddr(p.Caller)
	if err != nil {
		return [32]byte{}, [20]byte{}, errorObj(codeInvalidParams, err.Error())
	}
	return id, caller, nil
}

func (s *Server) handleConfirmReceipt(params json.RawMessage) (interface{}, *RPCError) {
	id, caller, rpcErr := s.idAndCaller(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.modules.Escrow.ConfirmReceipt(id, caller); err != nil {
		return nil, mapError(err)
	}
	return map[string]bool{"locked": true}, nil
}

func (s *Server) handleRelease(params json.RawMessage) (interface{}, *RPCError) {
	id, rpcErr := s.escrowID(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.modules.Escrow.Release(id); err != nil {
		return nil, mapError(err)
	}
	return map[string]bool{"released": true}, nil
}

type emergencyStopParams struct {
	ID        string `json:"id"`
	Caller    string `json:"caller"`
	PanicCode string `json:"panicCode"`
}

func (s *Server) handleEmergencyStop(params json.RawMessage) (interface{}, *RPCError) {
	var p emergencyStopParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	id, err := parseHash(p.ID)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	caller, err := parseAddr(p.Caller)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	if err := s.modules.Escrow.EmergencyStop(id, caller, []byte(p.PanicCode)); err != nil {
		return nil, mapError(err)
	}
	return map[string]bool{"stopped": true}, nil
}

type raiseDisputeParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
	Reason string `json:"reason"`
}

func (s *Server) handleRaiseDispute(params json.RawMessage) (interface{}, *RPCError) {
	var p raiseDisputeParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	id, err := parseHash(p.ID)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	caller, err := parseAddr(p.Caller)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	if err := s.modules.Escrow.RaiseDispute(id, caller, p.Reason); err != nil {
		return nil, mapError(err)
	}
	return map[string]bool{"disputed": true}, nil
}

func (s *Server) handleCancel(params json.RawMessage) (interface{}, *RPCError) {
	id, caller, rpcErr := s.idAndCaller(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.modules.Escrow.Cancel(id, caller); err != nil {
		return nil, mapError(err)
	}
	return map[string]bool{"cancelled": true}, nil
}

func (s *Server) handleRemainingLockTime(params json.RawMessage) (interface{}, *RPCError) {
	id, rpcErr := s.escrowID(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	remaining, err := s.modules.Escrow.RemainingLockTime(id)
	if err != nil {
		return nil, mapError(err)
	}
	expired, err := s.modules.Escrow.IsExpired(id)
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]interface{}{"remaining": remaining, "expired": expired}, nil
}

type verifyPanicParams struct {
	ID        string `json:"id"`
	PanicCode string `json:"panicCode"`
}

func (s *Server) handleVerifyPanicCode(params json.RawMessage) (interface{}, *RPCError) {
	var p verifyPanicParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	id, err := parseHash(p.ID)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	ok, err := s.modules.Escrow.VerifyPanicCode(id, []byte(p.PanicCode))
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]bool{"match": ok}, nil
}

type tradeIDParams struct {
	TradeID string `json:"tradeId"`
}

func (s *Server) handleEscrowByTradeID(params json.RawMessage) (interface{}, *RPCError) {
	var p tradeIDParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	tradeID, err := parseHash(p.TradeID)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	id, ok, err := s.modules.Registry.EscrowByTradeID(tradeID)
	if err != nil {
		return nil, mapError(err)
	}
	if !ok {
		return nil, mapError(registry.ErrUnknownTrade)
	}
	return map[string]string{"id": hashHex(id)}, nil
}

type sellerParams struct {
	Seller string `json:"seller"`
}

func (s *Server) handleSellerEscrows(params json.RawMessage) (interface{}, *RPCError) {
	var p sellerParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	seller, err := parseAddr(p.Seller)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	ids, err := s.modules.Registry.SellerEscrows(seller)
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, hashHex(id))
	}
	return map[string]interface{}{"escrows": out, "count": len(out)}, nil
}

func (s *Server) handleTotalEscrows(json.RawMessage) (interface{}, *RPCError) {
	total, err := s.modules.Registry.TotalEscrows()
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]uint64{"total": total}, nil
}

func (s *Server) handleCreationFee(json.RawMessage) (interface{}, *RPCError) {
	fee, err := s.modules.Registry.CreationFee()
	if err != nil {
		return nil, mapError(err)
	}
	accumulated, err := s.modules.Registry.AccumulatedFees()
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]string{"fee": fee.String(), "accumulated": accumulated.String()}, nil
}

type adminParams struct {
	Caller string `json:"caller"`
}

func (s *Server) handlePause(pause bool) func(json.RawMessage) (interface{}, *RPCError) {
	return func(params json.RawMessage) (interface{}, *RPCError) {
		var p adminParams
		if rpcErr := decodeParams(params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		caller, err := parseAddr(p.Caller)
		if err != nil {
			return nil, errorObj(codeInvalidParams, err.Error())
		}
		if pause {
			err = s.modules.Registry.Pause(caller)
		} else {
			err = s.modules.Registry.Unpause(caller)
		}
		if err != nil {
			return nil, mapError(err)
		}
		return map[string]bool{"paused": pause}, nil
	}
}

type setFeeParams struct {
	Caller string `json:"caller"`
	Fee    string `json:"fee"`
}

func (s *Server) handleSetCreationFee(params json.RawMessage) (interface{}, *RPCError) {
	var p setFeeParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	caller, err := parseAddr(p.Caller)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	fee, err := parseAmount(p.Fee)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	if err := s.modules.Registry.SetCreationFee(caller, fee); err != nil {
		return nil, mapError(err)
	}
	return map[string]bool{"updated": true}, nil
}

type withdrawParams struct {
	Caller string `json:"caller"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func (s *Server) handleWithdrawFees(params json.RawMessage) (interface{}, *RPCError) {
	var p withdrawParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	caller, err := parseAddr(p.Caller)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	to, err := parseAddr(p.To)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	amount, err := parseAmount(p.Amount)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	if err := s.modules.Registry.WithdrawFees(caller, to, amount); err != nil {
		return nil, mapError(err)
	}
	return map[string]bool{"withdrawn": true}, nil
}

type setTemplateParams struct {
	Caller  string `json:"caller"`
	Version uint64 `json:"version"`
}

func (s *Server) handleSetTemplate(params json.RawMessage) (interface{}, *RPCError) {
	var p setTemplateParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	caller, err := parseAddr(p.Caller)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	if err := s.modules.Registry.SetTemplate(caller, p.Version); err != nil {
		return nil, mapError(err)
	}
	return map[string]bool{"rotated": true}, nil
}

type amountParams struct {
	Amount string `json:"amount"`
}

func (s *Server) handleDurationForAmount(params json.RawMessage) (interface{}, *RPCError) {
	var p amountParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	amount, err := parseAmount(p.Amount)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	duration, err := s.modules.TimeLock.DurationForAmount(amount)
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]int64{"duration": duration}, nil
}

type durationParams struct {
	Amount           string `json:"amount"`
	SellerReputation uint32 `json:"sellerReputation"`
	BuyerReputation  uint32 `json:"buyerReputation"`
	TradeCount       uint64 `json:"tradeCount"`
	HighRisk         bool   `json:"highRisk"`
	KYCVerified      bool   `json:"kycVerified"`
}

func (s *Server) handleDuration(params json.RawMessage) (interface{}, *RPCError) {
	var p durationParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	amount, err := parseAmount(p.Amount)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	duration, err := s.modules.TimeLock.Duration(timelock.Factors{
		Amount:           amount,
		SellerReputation: p.SellerReputation,
		BuyerReputation:  p.BuyerReputation,
		TradeCount:       p.TradeCount,
		HighRisk:         p.HighRisk,
		KYCVerified:      p.KYCVerified,
	})
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]int64{"duration": duration}, nil
}

func (s *Server) handleExtensions(json.RawMessage) (interface{}, *RPCError) {
	emergencyExt, err := s.modules.TimeLock.EmergencyExtension()
	if err != nil {
		return nil, mapError(err)
	}
	disputeExt, err := s.modules.TimeLock.DisputeExtension()
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]int64{"emergency": emergencyExt, "dispute": disputeExt}, nil
}

type emergencyResolveParams struct {
	Escrow     string `json:"escrow"`
	Resolver   string `json:"resolver"`
	Resolution string `json:"resolution"`
}

func (s *Server) handleEmergencyResolve(params json.RawMessage) (interface{}, *RPCError) {
	var p emergencyResolveParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	id, err := parseHash(p.Escrow)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	resolver, err := parseAddr(p.Resolver)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	if err := s.modules.Emergency.Resolve(id, resolver, p.Resolution); err != nil {
		return nil, mapError(err)
	}
	return map[string]bool{"resolved": true}, nil
}

func (s *Server) handleActivation(params json.RawMessage) (interface{}, *RPCError) {
	var p escrowRefParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	id, err := parseHash(p.Escrow)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	activation, ok, err := s.modules.Emergency.Activation(id)
	if err != nil {
		return nil, mapError(err)
	}
	if !ok || activation == nil {
		return map[string]interface{}{"active": false}, nil
	}
	return map[string]interface{}{
		"escrow":      hashHex(activation.Escrow),
		"activator":   addrHex(activation.Activator),
		"reason":      activation.Reason,
		"activatedAt": activation.ActivatedAt,
		"active":      activation.Active,
		"resolvedAt":  activation.ResolvedAt,
		"resolution":  activation.Resolution,
	}, nil
}

type contactParams struct {
	Caller  string `json:"caller"`
	Address string `json:"address"`
	Name    string `json:"name"`
}

func (s *Server) handleAddContact(params json.RawMessage) (interface{}, *RPCError) {
	var p contactParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	caller, err := parseAddr(p.Caller)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	addr, err := parseAddr(p.Address)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	contact, err := s.modules.Emergency.AddContact(caller, addr, p.Name)
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]string{"id": contact.ID}, nil
}

func (s *Server) handleRemoveContact(params json.RawMessage) (interface{}, *RPCError) {
	var p contactParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	caller, err := parseAddr(p.Caller)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	addr, err := parseAddr(p.Address)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	if err := s.modules.Emergency.RemoveContact(caller, addr); err != nil {
		return nil, mapError(err)
	}
	return map[string]bool{"removed": true}, nil
}

func (s *Server) handleContacts(json.RawMessage) (interface{}, *RPCError) {
	contacts, err := s.modules.Emergency.Contacts()
	if err != nil {
		return nil, mapError(err)
	}
	type contactView struct {
		ID        string `json:"id"`
		Address   string `json:"address"`
		Name      string `json:"name"`
		Active    bool   `json:"active"`
		Responses uint64 `json:"responses"`
	}
	out := make([]contactView, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, contactView{
			ID:        c.ID,
			Address:   addrHex(c.Addr),
			Name:      c.Name,
			Active:    c.Active,
			Responses: c.Responses,
		})
	}
	return map[string]interface{}{"contacts": out}, nil
}

type disputeFileParams struct {
	Escrow string `json:"escrow"`
	Filer  string `json:"filer"`
	Reason string `json:"reason"`
	Stake  string `json:"stake"`
}

func (s *Server) handleDisputeFile(params json.RawMessage) (interface{}, *RPCError) {
	var p disputeFileParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	escrowID, err := parseHash(p.Escrow)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	filer, err := parseAddr(p.Filer)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	stake, err := parseAmount(p.Stake)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	id, err := s.modules.Disputes.File(escrowID, filer, p.Reason, stake)
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]string{"id": hashHex(id)}, nil
}

type disputeResolveParams struct {
	ID         string `json:"id"`
	Caller     string `json:"caller"`
	Outcome    uint8  `json:"outcome"`
	Resolution string `json:"resolution"`
}

func (s *Server) handleDisputeResolve(params json.RawMessage) (interface{}, *RPCError) {
	var p disputeResolveParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	id, err := parseHash(p.ID)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	caller, err := parseAddr(p.Caller)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	if err := s.modules.Disputes.Resolve(id, caller, dispute.Outcome(p.Outcome), p.Resolution); err != nil {
		return nil, mapError(err)
	}
	return map[string]bool{"resolved": true}, nil
}

func (s *Server) handleDisputeGet(params json.RawMessage) (interface{}, *RPCError) {
	id, rpcErr := s.escrowID(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	c, ok, err := s.modules.Disputes.GetCase(id)
	if err != nil {
		return nil, mapError(err)
	}
	if !ok {
		return nil, mapError(dispute.ErrCaseNotFound)
	}
	return map[string]interface{}{
		"id":         hashHex(c.ID),
		"escrow":     hashHex(c.Escrow),
		"filer":      addrHex(c.Filer),
		"reason":     c.Reason,
		"stake":      c.Stake.String(),
		"filedAt":    c.FiledAt,
		"status":     c.Status.String(),
		"arbitrator": addrHex(c.Arbitrator),
		"outcome":    c.Outcome.String(),
		"resolution": c.Resolution,
		"resolvedAt": c.ResolvedAt,
	}, nil
}

type escrowRefParams struct {
	Escrow string `json:"escrow"`
}

func (s *Server) handleDisputeIsActive(params json.RawMessage) (interface{}, *RPCError) {
	var p escrowRefParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	id, err := parseHash(p.Escrow)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	active, err := s.modules.Disputes.IsActive(id)
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]bool{"active": active}, nil
}

type arbitratorParams struct {
	Caller  string `json:"caller"`
	Address string `json:"address"`
}

func (s *Server) handleAddArbitrator(params json.RawMessage) (interface{}, *RPCError) {
	var p arbitratorParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	caller, err := parseAddr(p.Caller)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	addr, err := parseAddr(p.Address)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	if err := s.modules.Disputes.AddArbitrator(caller, addr); err != nil {
		return nil, mapError(err)
	}
	return map[string]bool{"added": true}, nil
}

func (s *Server) handleRemoveArbitrator(params json.RawMessage) (interface{}, *RPCError) {
	var p arbitratorParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	caller, err := parseAddr(p.Caller)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	addr, err := parseAddr(p.Address)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	if err := s.modules.Disputes.RemoveArbitrator(caller, addr); err != nil {
		return nil, mapError(err)
	}
	return map[string]bool{"removed": true}, nil
}

type participantParams struct {
	Participant string `json:"participant"`
}

func (s *Server) handleReputationScore(params json.RawMessage) (interface{}, *RPCError) {
	var p participantParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	participant, err := parseAddr(p.Participant)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	score, err := s.modules.Reputation.Score(participant)
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]uint32{"score": score}, nil
}

func (s *Server) handleReputationProfile(params json.RawMessage) (interface{}, *RPCError) {
	var p participantParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	participant, err := parseAddr(p.Participant)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	profile, ok, err := s.modules.Reputation.Profile(participant)
	if err != nil {
		return nil, mapError(err)
	}
	if !ok || profile == nil {
		return map[string]interface{}{"known": false}, nil
	}
	return map[string]interface{}{
		"known":         true,
		"tradeCount":    profile.TradeCount,
		"successCount":  profile.SuccessCount,
		"volume":        profile.Volume.String(),
		"penaltyPoints": profile.PenaltyPoints,
		"disputesWon":   profile.DisputesWon,
		"disputesLost":  profile.DisputesLost,
	}, nil
}

func (s *Server) handleIsTrustworthy(params json.RawMessage) (interface{}, *RPCError) {
	var p participantParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	participant, err := parseAddr(p.Participant)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	trustworthy, err := s.modules.Reputation.IsTrustworthy(participant)
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]bool{"trustworthy": trustworthy}, nil
}

type recordTradeParams struct {
	Participant string `json:"participant"`
	Volume      string `json:"volume"`
	Successful  bool   `json:"successful"`
}

func (s *Server) handleRecordTrade(params json.RawMessage) (interface{}, *RPCError) {
	var p recordTradeParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	participant, err := parseAddr(p.Participant)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	volume, err := parseAmount(p.Volume)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	if err := s.modules.Reputation.RecordTrade(participant, volume, p.Successful); err != nil {
		return nil, mapError(err)
	}
	return map[string]bool{"recorded": true}, nil
}

type recordDisputeParams struct {
	Disputant    string `json:"disputant"`
	Defendant    string `json:"defendant"`
	DisputantWon bool   `json:"disputantWon"`
}

func (s *Server) handleRecordDispute(params json.RawMessage) (interface{}, *RPCError) {
	var p recordDisputeParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	disputant, err := parseAddr(p.Disputant)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	defendant, err := parseAddr(p.Defendant)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	if err := s.modules.Reputation.RecordDispute(disputant, defendant, p.DisputantWon); err != nil {
		return nil, mapError(err)
	}
	return map[string]bool{"recorded": true}, nil
}

type applyPenaltyParams struct {
	Caller      string `json:"caller"`
	Participant string `json:"participant"`
	Points      uint32 `json:"points"`
	Reason      string `json:"reason"`
}

func (s *Server) handleApplyPenalty(params json.RawMessage) (interface{}, *RPCError) {
	var p applyPenaltyParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	caller, err := parseAddr(p.Caller)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	participant, err := parseAddr(p.Participant)
	if err != nil {
		return nil, errorObj(codeInvalidParams, err.Error())
	}
	if err := s.modules.Reputation.ApplyPenalty(caller, participant, p.Points, p.Reason); err != nil {
		return nil, mapError(err)
	}
	return map[string]bool{"applied": true}, nil
}
