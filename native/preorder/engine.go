package preorder

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"preorderd/core/events"
	"preorderd/core/types"
)

// ConfirmationPeriodSeconds is how long the seller must wait after delivery
// before withdrawing without a single buyer confirmation.
const ConfirmationPeriodSeconds int64 = 7 * 24 * 60 * 60

type engineState interface {
	CampaignPut(*Campaign) error
	CampaignGet() (*Campaign, bool)
	BuyerPut(*BuyerRecord) error
	BuyerGet(addr [20]byte) (*BuyerRecord, bool)
	ActivationPut(*ActivationEntry) error
	ActivationGet(addr [20]byte) (*ActivationEntry, bool)
	VaultAddress() ([20]byte, error)
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

type preorderEvent struct {
	evt *types.Event
}

func (e preorderEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e preorderEvent) Event() *types.Event { return e.evt }

// Engine wires the campaign transition logic with external state and event
// emitters. All mutations run clone-then-commit: records are loaded as copies,
// validated and mutated, and only persisted after the value transfer (if any)
// has succeeded, so a failed precondition or transfer leaves no partial state.
type Engine struct {
	state   engineState
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates a campaign engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(preorderEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

func (e *Engine) loadCampaign() (*Campaign, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	campaign, ok := e.state.CampaignGet()
	if !ok {
		return nil, ErrCampaignMissing
	}
	return campaign, nil
}

func (e *Engine) storeCampaign(c *Campaign) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	return e.state.CampaignPut(c)
}

func (e *Engine) transfer(from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("preorder: negative transfer amount")
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	if fromAcc.Balance.Cmp(amt) < 0 {
		return fmt.Errorf("%w: insufficient balance", ErrTransferFailed)
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}

// Init creates and persists the singleton campaign. Terms are immutable after
// creation; the per-campaign salt is derived from the seller identity and the
// creation time.
func (e *Engine) Init(seller [20]byte, productName string, unitPrice *big.Int, deadline int64) (*Campaign, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if _, ok := e.state.CampaignGet(); ok {
		return nil, ErrCampaignExists
	}
	name := strings.TrimSpace(productName)
	price := cloneBigInt(unitPrice)
	now := e.now()
	if name == "" || price.Sign() <= 0 || deadline <= now {
		return nil, ErrInvalidTerms
	}
	campaign := &Campaign{
		ProductName:    name,
		UnitPrice:      price,
		Deadline:       deadline,
		Seller:         seller,
		CreatedAt:      now,
		Salt:           DeriveSalt(seller, now),
		TotalCollected: big.NewInt(0),
	}
	if err := e.storeCampaign(campaign); err != nil {
		return nil, err
	}
	e.emit(NewCampaignCreatedEvent(campaign))
	return campaign.Clone(), nil
}

// PlaceOrder locks a buyer's payment in the escrow vault. Payment must match
// unit price times quantity exactly; repeated orders by the same buyer
// accumulate into one ledger entry.
func (e *Engine) PlaceOrder(buyer [20]byte, quantity uint64, paid *big.Int) error {
	campaign, err := e.loadCampaign()
	if err != nil {
		return err
	}
	now := e.now()
	if now > campaign.Deadline {
		return ErrDeadlinePassed
	}
	if campaign.Delivered {
		return ErrAlreadyDelivered
	}
	if quantity == 0 {
		return ErrInvalidQuantity
	}
	amount := cloneBigInt(paid)
	expected := new(big.Int).Mul(campaign.UnitPrice, new(big.Int).SetUint64(quantity))
	if amount.Cmp(expected) != 0 {
		return ErrIncorrectPayment
	}
	vault, err := e.state.VaultAddress()
	if err != nil {
		return err
	}
	record, ok := e.state.BuyerGet(buyer)
	if !ok {
		record = &BuyerRecord{Buyer: buyer, AmountPaid: big.NewInt(0)}
	}
	record.Quantity += quantity
	record.AmountPaid = new(big.Int).Add(cloneBigInt(record.AmountPaid), amount)
	campaign.TotalQuantity += quantity
	campaign.TotalCollected = new(big.Int).Add(campaign.TotalCollected, amount)
	if err := e.transfer(buyer, vault, amount); err != nil {
		return err
	}
	if err := e.state.BuyerPut(record); err != nil {
		return err
	}
	if err := e.storeCampaign(campaign); err != nil {
		return err
	}
	e.emit(NewOrderPlacedEvent(campaign, buyer, quantity, amount, now))
	return nil
}

// MarkDelivered records delivery. Only the seller may declare it, and no later
// than the order deadline itself. One-way, irreversible.
func (e *Engine) MarkDelivered(caller [20]byte) error {
	campaign, err := e.loadCampaign()
	if err != nil {
		return err
	}
	if caller != campaign.Seller {
		return ErrNotSeller
	}
	now := e.now()
	if now > campaign.Deadline {
		return ErrDeadlinePassed
	}
	if campaign.Delivered {
		return ErrAlreadyDelivered
	}
	campaign.Delivered = true
	campaign.DeliveredAt = now
	if err := e.storeCampaign(campaign); err != nil {
		return err
	}
	e.emit(NewDeliveredEvent(campaign))
	return nil
}

// RegisterActivationCommitment stores the salted commitment for one buyer. The
// supplied hash is assumed to already be CommitCode(secret); the engine applies
// the salting step. Re-setting for the same buyer is rejected.
func (e *Engine) RegisterActivationCommitment(caller [20]byte, buyer [20]byte, codeHash [32]byte) error {
	campaign, err := e.loadCampaign()
	if err != nil {
		return err
	}
	if caller != campaign.Seller {
		return ErrNotSeller
	}
	record, ok := e.state.BuyerGet(buyer)
	if !ok || !record.HasOrder() {
		return ErrNoPreorder
	}
	if _, ok := e.state.ActivationGet(buyer); ok {
		return ErrCommitmentSet
	}
	now := e.now()
	entry := &ActivationEntry{
		Buyer:    buyer,
		CodeHash: SaltedCommitment(codeHash, campaign.Salt),
		SetAt:    now,
	}
	if err := e.state.ActivationPut(entry); err != nil {
		return err
	}
	e.emit(NewActivationSetEvent(campaign, buyer, now))
	return nil
}

// ConfirmReceipt marks the buyer's order as confirmed and opens the campaign
// wide withdrawal gate for the seller.
func (e *Engine) ConfirmReceipt(buyer [20]byte) error {
	return e.confirm(buyer, confirmManual, "")
}

// ConfirmReceiptWithCode is the alternate evidentiary path to the same
// transition: the submitted plaintext code must match the stored salted
// commitment for the buyer.
func (e *Engine) ConfirmReceiptWithCode(buyer [20]byte, code string) error {
	return e.confirm(buyer, confirmByCode, code)
}

const (
	confirmManual = "manual"
	confirmByCode = "code"
)

func (e *Engine) confirm(buyer [20]byte, method string, code string) error {
	campaign, err := e.loadCampaign()
	if err != nil {
		return err
	}
	if !campaign.Delivered {
		return ErrNotDelivered
	}
	record, ok := e.state.BuyerGet(buyer)
	if !ok {
		return ErrNoPreorder
	}
	if record.Confirmed {
		return ErrAlreadyConfirmed
	}
	// Same ordering as ClaimRefund: the refunded flag outranks the zeroed
	// quantity and amount.
	if record.Refunded {
		return ErrRefundedCannotConfirm
	}
	if !record.HasOrder() {
		return ErrNoPreorder
	}
	if method == confirmByCode {
		entry, ok := e.state.ActivationGet(buyer)
		if !ok {
			return ErrCodeNotSet
		}
		if !VerifyCode(code, campaign.Salt, entry.CodeHash) {
			return ErrInvalidCode
		}
	}
	record.Confirmed = true
	campaign.AnyConfirmed = true
	if err := e.state.BuyerPut(record); err != nil {
		return err
	}
	if err := e.storeCampaign(campaign); err != nil {
		return err
	}
	e.emit(NewReceiptConfirmedEvent(campaign, buyer, method, e.now()))
	return nil
}

// ClaimRefund returns a buyer's locked funds once the deadline has passed with
// no delivery. The ledger entry is zeroed before the transfer is attempted;
// the whole transition commits or rolls back as one unit.
func (e *Engine) ClaimRefund(buyer [20]byte) error {
	campaign, err := e.loadCampaign()
	if err != nil {
		return err
	}
	now := e.now()
	if now <= campaign.Deadline {
		return ErrDeadlineNotReached
	}
	if campaign.Delivered {
		return ErrDeliveredRefundsDisabled
	}
	record, ok := e.state.BuyerGet(buyer)
	if !ok {
		return ErrNoPreorder
	}
	// Refunded is checked before the zeroed-record read so a repeat claim
	// reports the terminal flag instead of reading as "no preorder".
	if record.Refunded {
		return ErrAlreadyRefunded
	}
	if !record.HasOrder() {
		return ErrNoPreorder
	}
	amount := cloneBigInt(record.AmountPaid)
	quantity := record.Quantity
	record.Quantity = 0
	record.AmountPaid = big.NewInt(0)
	record.Refunded = true
	campaign.TotalQuantity -= quantity
	campaign.TotalCollected = new(big.Int).Sub(campaign.TotalCollected, amount)
	vault, err := e.state.VaultAddress()
	if err != nil {
		return err
	}
	if err := e.transfer(vault, buyer, amount); err != nil {
		return err
	}
	if err := e.state.BuyerPut(record); err != nil {
		return err
	}
	if err := e.storeCampaign(campaign); err != nil {
		return err
	}
	e.emit(NewRefundClaimedEvent(campaign, buyer, amount, quantity, now))
	return nil
}

// WithdrawFunds pays the entire escrow balance to the seller. A single
// confirming buyer, or the confirmation period elapsing after delivery,
// unlocks the whole pooled balance; the gate is campaign-wide by design.
func (e *Engine) WithdrawFunds(caller [20]byte) error {
	campaign, err := e.loadCampaign()
	if err != nil {
		return err
	}
	if caller != campaign.Seller {
		return ErrNotSeller
	}
	if !campaign.Delivered {
		return ErrNotDelivered
	}
	if campaign.FundsWithdrawn {
		return ErrAlreadyWithdrawn
	}
	now := e.now()
	if !campaign.AnyConfirmed && now < campaign.DeliveredAt+ConfirmationPeriodSeconds {
		return ErrConfirmationOrWait
	}
	vault, err := e.state.VaultAddress()
	if err != nil {
		return err
	}
	vaultAcc, err := e.state.GetAccount(vault[:])
	if err != nil {
		return err
	}
	balance := cloneBigInt(ensureAccount(vaultAcc).Balance)
	if balance.Sign() == 0 {
		return ErrNoFunds
	}
	campaign.FundsWithdrawn = true
	if err := e.transfer(vault, campaign.Seller, balance); err != nil {
		return err
	}
	if err := e.storeCampaign(campaign); err != nil {
		return err
	}
	e.emit(NewFundsWithdrawnEvent(campaign, balance, now))
	return nil
}

// Campaign returns a copy of the stored campaign.
func (e *Engine) Campaign() (*Campaign, error) {
	campaign, err := e.loadCampaign()
	if err != nil {
		return nil, err
	}
	return campaign.Clone(), nil
}

// Buyer returns a copy of the buyer's ledger entry. A buyer that never ordered
// (or ordered and refunded) reads as an all-zero record.
func (e *Engine) Buyer(addr [20]byte) (*BuyerRecord, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	record, ok := e.state.BuyerGet(addr)
	if !ok {
		return &BuyerRecord{Buyer: addr, AmountPaid: big.NewInt(0)}, nil
	}
	return record.Clone(), nil
}

// EscrowBalance reports the funds currently held in the campaign vault.
func (e *Engine) EscrowBalance() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	vault, err := e.state.VaultAddress()
	if err != nil {
		return nil, err
	}
	acc, err := e.state.GetAccount(vault[:])
	if err != nil {
		return nil, err
	}
	return cloneBigInt(ensureAccount(acc).Balance), nil
}
