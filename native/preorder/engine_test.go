package preorder

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"preorderd/core/events"
	"preorderd/core/types"
)

const testNow int64 = 1_700_000_000

type mockState struct {
	campaign    *Campaign
	buyers      map[[20]byte]*BuyerRecord
	activations map[[20]byte]*ActivationEntry
	accounts    map[[20]byte]*types.Account
	vault       [20]byte
}

func newMockState() *mockState {
	return &mockState{
		buyers:      make(map[[20]byte]*BuyerRecord),
		activations: make(map[[20]byte]*ActivationEntry),
		accounts:    make(map[[20]byte]*types.Account),
		vault:       newTestAddress(0xEE),
	}
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func (m *mockState) CampaignPut(c *Campaign) error {
	sanitized, err := SanitizeCampaign(c)
	if err != nil {
		return err
	}
	m.campaign = sanitized.Clone()
	return nil
}

func (m *mockState) CampaignGet() (*Campaign, bool) {
	if m.campaign == nil {
		return nil, false
	}
	return m.campaign.Clone(), true
}

func (m *mockState) BuyerPut(r *BuyerRecord) error {
	sanitized, err := SanitizeBuyerRecord(r)
	if err != nil {
		return err
	}
	m.buyers[sanitized.Buyer] = sanitized.Clone()
	return nil
}

func (m *mockState) BuyerGet(addr [20]byte) (*BuyerRecord, bool) {
	record, ok := m.buyers[addr]
	if !ok {
		return nil, false
	}
	return record.Clone(), true
}

func (m *mockState) ActivationPut(entry *ActivationEntry) error {
	if entry == nil {
		return fmt.Errorf("nil activation entry")
	}
	if _, ok := m.activations[entry.Buyer]; ok {
		return ErrCommitmentSet
	}
	m.activations[entry.Buyer] = entry.Clone()
	return nil
}

func (m *mockState) ActivationGet(addr [20]byte) (*ActivationEntry, bool) {
	entry, ok := m.activations[addr]
	if !ok {
		return nil, false
	}
	return entry.Clone(), true
}

func (m *mockState) VaultAddress() ([20]byte, error) {
	return m.vault, nil
}

func (m *mockState) GetAccount(addr []byte) (*types.Account, error) {
	if len(addr) != 20 {
		return nil, fmt.Errorf("account address must be 20 bytes")
	}
	var key [20]byte
	copy(key[:], addr)
	acc, ok := m.accounts[key]
	if !ok {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	return &types.Account{Nonce: acc.Nonce, Balance: new(big.Int).Set(acc.Balance)}, nil
}

func (m *mockState) PutAccount(addr []byte, account *types.Account) error {
	if len(addr) != 20 {
		return fmt.Errorf("account address must be 20 bytes")
	}
	if account == nil || account.Balance == nil || account.Balance.Sign() < 0 {
		return fmt.Errorf("invalid account")
	}
	var key [20]byte
	copy(key[:], addr)
	m.accounts[key] = &types.Account{Nonce: account.Nonce, Balance: new(big.Int).Set(account.Balance)}
	return nil
}

func (m *mockState) fund(addr [20]byte, amount int64) {
	m.accounts[addr] = &types.Account{Balance: big.NewInt(amount)}
}

func (m *mockState) balance(addr [20]byte) *big.Int {
	acc, ok := m.accounts[addr]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(acc.Balance)
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) lastType() string {
	if len(c.events) == 0 {
		return ""
	}
	return c.events[len(c.events)-1].EventType()
}

func newTestEngine(t *testing.T) (*Engine, *mockState, *capturingEmitter) {
	t.Helper()
	state := newMockState()
	emitter := &capturingEmitter{}
	engine := NewEngine()
	engine.SetState(state)
	engine.SetEmitter(emitter)
	engine.SetNowFunc(func() int64 { return testNow })
	return engine, state, emitter
}

func mustInitCampaign(t *testing.T, engine *Engine, seller [20]byte) *Campaign {
	t.Helper()
	campaign, err := engine.Init(seller, "console", big.NewInt(100), testNow+3600)
	if err != nil {
		t.Fatalf("init campaign: %v", err)
	}
	return campaign
}

func TestInitCampaign(t *testing.T) {
	engine, state, emitter := newTestEngine(t)
	seller := newTestAddress(0x01)

	campaign := mustInitCampaign(t, engine, seller)
	if campaign.ProductName != "console" {
		t.Fatalf("unexpected product name %q", campaign.ProductName)
	}
	if campaign.CreatedAt != testNow {
		t.Fatalf("unexpected creation time %d", campaign.CreatedAt)
	}
	want := DeriveSalt(seller, testNow)
	if campaign.Salt != want {
		t.Fatalf("salt not derived from seller and creation time")
	}
	if state.campaign == nil {
		t.Fatalf("campaign not persisted")
	}
	if emitter.lastType() != EventTypeCampaignCreated {
		t.Fatalf("expected campaign created event, got %q", emitter.lastType())
	}

	if _, err := engine.Init(seller, "console", big.NewInt(100), testNow+3600); !errors.Is(err, ErrCampaignExists) {
		t.Fatalf("expected ErrCampaignExists, got %v", err)
	}
}

func TestInitCampaignInvalidTerms(t *testing.T) {
	seller := newTestAddress(0x01)
	cases := []struct {
		name     string
		product  string
		price    *big.Int
		deadline int64
	}{
		{"empty product", "  ", big.NewInt(100), testNow + 3600},
		{"zero price", "console", big.NewInt(0), testNow + 3600},
		{"negative price", "console", big.NewInt(-5), testNow + 3600},
		{"deadline in past", "console", big.NewInt(100), testNow - 1},
		{"deadline now", "console", big.NewInt(100), testNow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine, _, _ := newTestEngine(t)
			if _, err := engine.Init(seller, tc.product, tc.price, tc.deadline); !errors.Is(err, ErrInvalidTerms) {
				t.Fatalf("expected ErrInvalidTerms, got %v", err)
			}
		})
	}
}

func TestPlaceOrder(t *testing.T) {
	engine, state, emitter := newTestEngine(t)
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	mustInitCampaign(t, engine, seller)
	state.fund(buyer, 1000)

	if err := engine.PlaceOrder(buyer, 3, big.NewInt(300)); err != nil {
		t.Fatalf("place order: %v", err)
	}

	record, ok := state.BuyerGet(buyer)
	if !ok {
		t.Fatalf("buyer record missing")
	}
	if record.Quantity != 3 || record.AmountPaid.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("unexpected record: qty=%d paid=%s", record.Quantity, record.AmountPaid)
	}
	if got := state.balance(buyer); got.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("buyer balance = %s, want 700", got)
	}
	if got := state.balance(state.vault); got.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("vault balance = %s, want 300", got)
	}
	if state.campaign.TotalQuantity != 3 || state.campaign.TotalCollected.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("campaign totals not updated")
	}
	if emitter.lastType() != EventTypeOrderPlaced {
		t.Fatalf("expected order placed event, got %q", emitter.lastType())
	}
}

func TestPlaceOrderAccumulates(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	mustInitCampaign(t, engine, seller)
	state.fund(buyer, 1000)

	if err := engine.PlaceOrder(buyer, 2, big.NewInt(200)); err != nil {
		t.Fatalf("first order: %v", err)
	}
	if err := engine.PlaceOrder(buyer, 1, big.NewInt(100)); err != nil {
		t.Fatalf("second order: %v", err)
	}
	record, _ := state.BuyerGet(buyer)
	if record.Quantity != 3 || record.AmountPaid.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("orders did not accumulate: qty=%d paid=%s", record.Quantity, record.AmountPaid)
	}
	if state.campaign.TotalQuantity != 3 {
		t.Fatalf("campaign quantity = %d, want 3", state.campaign.TotalQuantity)
	}
}

func TestPlaceOrderRejections(t *testing.T) {
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)

	t.Run("no campaign", func(t *testing.T) {
		engine, _, _ := newTestEngine(t)
		if err := engine.PlaceOrder(buyer, 1, big.NewInt(100)); !errors.Is(err, ErrCampaignMissing) {
			t.Fatalf("expected ErrCampaignMissing, got %v", err)
		}
	})

	t.Run("deadline passed", func(t *testing.T) {
		engine, state, _ := newTestEngine(t)
		mustInitCampaign(t, engine, seller)
		state.fund(buyer, 1000)
		engine.SetNowFunc(func() int64 { return testNow + 3601 })
		if err := engine.PlaceOrder(buyer, 1, big.NewInt(100)); !errors.Is(err, ErrDeadlinePassed) {
			t.Fatalf("expected ErrDeadlinePassed, got %v", err)
		}
	})

	t.Run("after delivery", func(t *testing.T) {
		engine, state, _ := newTestEngine(t)
		mustInitCampaign(t, engine, seller)
		state.fund(buyer, 1000)
		if err := engine.MarkDelivered(seller); err != nil {
			t.Fatalf("mark delivered: %v", err)
		}
		if err := engine.PlaceOrder(buyer, 1, big.NewInt(100)); !errors.Is(err, ErrAlreadyDelivered) {
			t.Fatalf("expected ErrAlreadyDelivered, got %v", err)
		}
	})

	t.Run("zero quantity", func(t *testing.T) {
		engine, state, _ := newTestEngine(t)
		mustInitCampaign(t, engine, seller)
		state.fund(buyer, 1000)
		if err := engine.PlaceOrder(buyer, 0, big.NewInt(0)); !errors.Is(err, ErrInvalidQuantity) {
			t.Fatalf("expected ErrInvalidQuantity, got %v", err)
		}
	})

	t.Run("incorrect payment", func(t *testing.T) {
		engine, state, _ := newTestEngine(t)
		mustInitCampaign(t, engine, seller)
		state.fund(buyer, 1000)
		for _, amount := range []int64{99, 101, 0} {
			if err := engine.PlaceOrder(buyer, 1, big.NewInt(amount)); !errors.Is(err, ErrIncorrectPayment) {
				t.Fatalf("amount %d: expected ErrIncorrectPayment, got %v", amount, err)
			}
		}
	})

	t.Run("insufficient balance", func(t *testing.T) {
		engine, state, _ := newTestEngine(t)
		mustInitCampaign(t, engine, seller)
		state.fund(buyer, 50)
		if err := engine.PlaceOrder(buyer, 1, big.NewInt(100)); !errors.Is(err, ErrTransferFailed) {
			t.Fatalf("expected ErrTransferFailed, got %v", err)
		}
		if _, ok := state.BuyerGet(buyer); ok {
			t.Fatalf("failed order must not persist a ledger entry")
		}
		if state.campaign.TotalQuantity != 0 {
			t.Fatalf("failed order must not change campaign totals")
		}
	})
}

func TestMarkDelivered(t *testing.T) {
	engine, state, emitter := newTestEngine(t)
	seller := newTestAddress(0x01)
	mustInitCampaign(t, engine, seller)

	if err := engine.MarkDelivered(newTestAddress(0x09)); !errors.Is(err, ErrNotSeller) {
		t.Fatalf("expected ErrNotSeller, got %v", err)
	}
	if err := engine.MarkDelivered(seller); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if !state.campaign.Delivered || state.campaign.DeliveredAt != testNow {
		t.Fatalf("delivery not recorded")
	}
	if emitter.lastType() != EventTypeDelivered {
		t.Fatalf("expected delivered event, got %q", emitter.lastType())
	}
	if err := engine.MarkDelivered(seller); !errors.Is(err, ErrAlreadyDelivered) {
		t.Fatalf("expected ErrAlreadyDelivered, got %v", err)
	}
}

func TestMarkDeliveredAfterDeadline(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	seller := newTestAddress(0x01)
	mustInitCampaign(t, engine, seller)
	engine.SetNowFunc(func() int64 { return testNow + 3601 })
	if err := engine.MarkDelivered(seller); !errors.Is(err, ErrDeadlinePassed) {
		t.Fatalf("expected ErrDeadlinePassed, got %v", err)
	}
}

func TestRegisterActivationCommitment(t *testing.T) {
	engine, state, emitter := newTestEngine(t)
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	campaign := mustInitCampaign(t, engine, seller)
	state.fund(buyer, 1000)
	if err := engine.PlaceOrder(buyer, 1, big.NewInt(100)); err != nil {
		t.Fatalf("place order: %v", err)
	}

	hash := CommitCode("ABC-123")
	if err := engine.RegisterActivationCommitment(newTestAddress(0x09), buyer, hash); !errors.Is(err, ErrNotSeller) {
		t.Fatalf("expected ErrNotSeller, got %v", err)
	}
	if err := engine.RegisterActivationCommitment(seller, newTestAddress(0x0A), hash); !errors.Is(err, ErrNoPreorder) {
		t.Fatalf("expected ErrNoPreorder, got %v", err)
	}
	if err := engine.RegisterActivationCommitment(seller, buyer, hash); err != nil {
		t.Fatalf("register commitment: %v", err)
	}
	entry, ok := state.ActivationGet(buyer)
	if !ok {
		t.Fatalf("activation entry missing")
	}
	if entry.CodeHash != SaltedCommitment(hash, campaign.Salt) {
		t.Fatalf("stored commitment not salted")
	}
	if emitter.lastType() != EventTypeActivationSet {
		t.Fatalf("expected activation set event, got %q", emitter.lastType())
	}
	if err := engine.RegisterActivationCommitment(seller, buyer, hash); !errors.Is(err, ErrCommitmentSet) {
		t.Fatalf("expected ErrCommitmentSet, got %v", err)
	}
}

func TestConfirmReceipt(t *testing.T) {
	engine, state, emitter := newTestEngine(t)
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	mustInitCampaign(t, engine, seller)
	state.fund(buyer, 1000)
	if err := engine.PlaceOrder(buyer, 1, big.NewInt(100)); err != nil {
		t.Fatalf("place order: %v", err)
	}

	if err := engine.ConfirmReceipt(buyer); !errors.Is(err, ErrNotDelivered) {
		t.Fatalf("expected ErrNotDelivered, got %v", err)
	}
	if err := engine.MarkDelivered(seller); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if err := engine.ConfirmReceipt(newTestAddress(0x0A)); !errors.Is(err, ErrNoPreorder) {
		t.Fatalf("expected ErrNoPreorder, got %v", err)
	}
	if err := engine.ConfirmReceipt(buyer); err != nil {
		t.Fatalf("confirm receipt: %v", err)
	}
	record, _ := state.BuyerGet(buyer)
	if !record.Confirmed {
		t.Fatalf("record not confirmed")
	}
	if !state.campaign.AnyConfirmed {
		t.Fatalf("campaign gate not opened")
	}
	if emitter.lastType() != EventTypeReceiptConfirmed {
		t.Fatalf("expected receipt confirmed event, got %q", emitter.lastType())
	}
	if err := engine.ConfirmReceipt(buyer); !errors.Is(err, ErrAlreadyConfirmed) {
		t.Fatalf("expected ErrAlreadyConfirmed, got %v", err)
	}
}

func TestConfirmReceiptWithCode(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	mustInitCampaign(t, engine, seller)
	state.fund(buyer, 1000)
	if err := engine.PlaceOrder(buyer, 1, big.NewInt(100)); err != nil {
		t.Fatalf("place order: %v", err)
	}
	if err := engine.MarkDelivered(seller); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	if err := engine.ConfirmReceiptWithCode(buyer, "ABC-123"); !errors.Is(err, ErrCodeNotSet) {
		t.Fatalf("expected ErrCodeNotSet, got %v", err)
	}
	if err := engine.RegisterActivationCommitment(seller, buyer, CommitCode("ABC-123")); err != nil {
		t.Fatalf("register commitment: %v", err)
	}
	if err := engine.ConfirmReceiptWithCode(buyer, "WRONG"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
	record, _ := state.BuyerGet(buyer)
	if record.Confirmed {
		t.Fatalf("wrong code must not confirm")
	}
	if err := engine.ConfirmReceiptWithCode(buyer, "ABC-123"); err != nil {
		t.Fatalf("confirm with code: %v", err)
	}
	record, _ = state.BuyerGet(buyer)
	if !record.Confirmed {
		t.Fatalf("record not confirmed")
	}
}

func TestClaimRefund(t *testing.T) {
	engine, state, emitter := newTestEngine(t)
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	mustInitCampaign(t, engine, seller)
	state.fund(buyer, 1000)
	if err := engine.PlaceOrder(buyer, 2, big.NewInt(200)); err != nil {
		t.Fatalf("place order: %v", err)
	}

	if err := engine.ClaimRefund(buyer); !errors.Is(err, ErrDeadlineNotReached) {
		t.Fatalf("expected ErrDeadlineNotReached, got %v", err)
	}

	engine.SetNowFunc(func() int64 { return testNow + 3601 })
	if err := engine.ClaimRefund(newTestAddress(0x0A)); !errors.Is(err, ErrNoPreorder) {
		t.Fatalf("expected ErrNoPreorder, got %v", err)
	}
	if err := engine.ClaimRefund(buyer); err != nil {
		t.Fatalf("claim refund: %v", err)
	}
	if got := state.balance(buyer); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("buyer balance = %s, want 1000", got)
	}
	if got := state.balance(state.vault); got.Sign() != 0 {
		t.Fatalf("vault balance = %s, want 0", got)
	}
	record, _ := state.BuyerGet(buyer)
	if record.Quantity != 0 || record.AmountPaid.Sign() != 0 || !record.Refunded {
		t.Fatalf("record not zeroed on refund")
	}
	if state.campaign.TotalQuantity != 0 || state.campaign.TotalCollected.Sign() != 0 {
		t.Fatalf("campaign totals not decremented")
	}
	if emitter.lastType() != EventTypeRefundClaimed {
		t.Fatalf("expected refund claimed event, got %q", emitter.lastType())
	}
	if err := engine.ClaimRefund(buyer); !errors.Is(err, ErrAlreadyRefunded) {
		t.Fatalf("expected ErrAlreadyRefunded, got %v", err)
	}
}

func TestClaimRefundBlockedByDelivery(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	mustInitCampaign(t, engine, seller)
	state.fund(buyer, 1000)
	if err := engine.PlaceOrder(buyer, 1, big.NewInt(100)); err != nil {
		t.Fatalf("place order: %v", err)
	}
	if err := engine.MarkDelivered(seller); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	engine.SetNowFunc(func() int64 { return testNow + 3601 })
	if err := engine.ClaimRefund(buyer); !errors.Is(err, ErrDeliveredRefundsDisabled) {
		t.Fatalf("expected ErrDeliveredRefundsDisabled, got %v", err)
	}
}

func TestWithdrawFunds(t *testing.T) {
	engine, state, emitter := newTestEngine(t)
	seller := newTestAddress(0x01)
	buyerA := newTestAddress(0x02)
	buyerB := newTestAddress(0x03)
	mustInitCampaign(t, engine, seller)
	state.fund(buyerA, 500)
	state.fund(buyerB, 500)
	if err := engine.PlaceOrder(buyerA, 1, big.NewInt(100)); err != nil {
		t.Fatalf("order A: %v", err)
	}
	if err := engine.PlaceOrder(buyerB, 2, big.NewInt(200)); err != nil {
		t.Fatalf("order B: %v", err)
	}

	if err := engine.WithdrawFunds(newTestAddress(0x09)); !errors.Is(err, ErrNotSeller) {
		t.Fatalf("expected ErrNotSeller, got %v", err)
	}
	if err := engine.WithdrawFunds(seller); !errors.Is(err, ErrNotDelivered) {
		t.Fatalf("expected ErrNotDelivered, got %v", err)
	}
	if err := engine.MarkDelivered(seller); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if err := engine.WithdrawFunds(seller); !errors.Is(err, ErrConfirmationOrWait) {
		t.Fatalf("expected ErrConfirmationOrWait, got %v", err)
	}

	// A single confirming buyer unlocks the whole pooled balance.
	if err := engine.ConfirmReceipt(buyerA); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := engine.WithdrawFunds(seller); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := state.balance(seller); got.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("seller balance = %s, want 300", got)
	}
	if got := state.balance(state.vault); got.Sign() != 0 {
		t.Fatalf("vault balance = %s, want 0", got)
	}
	if !state.campaign.FundsWithdrawn {
		t.Fatalf("withdrawal flag not set")
	}
	if emitter.lastType() != EventTypeFundsWithdrawn {
		t.Fatalf("expected funds withdrawn event, got %q", emitter.lastType())
	}
	if err := engine.WithdrawFunds(seller); !errors.Is(err, ErrAlreadyWithdrawn) {
		t.Fatalf("expected ErrAlreadyWithdrawn, got %v", err)
	}
}

func TestWithdrawFundsAfterConfirmationPeriod(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	mustInitCampaign(t, engine, seller)
	state.fund(buyer, 1000)
	if err := engine.PlaceOrder(buyer, 1, big.NewInt(100)); err != nil {
		t.Fatalf("place order: %v", err)
	}
	if err := engine.MarkDelivered(seller); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	// One second short of the period the gate stays closed.
	engine.SetNowFunc(func() int64 { return testNow + ConfirmationPeriodSeconds - 1 })
	if err := engine.WithdrawFunds(seller); !errors.Is(err, ErrConfirmationOrWait) {
		t.Fatalf("expected ErrConfirmationOrWait, got %v", err)
	}
	engine.SetNowFunc(func() int64 { return testNow + ConfirmationPeriodSeconds })
	if err := engine.WithdrawFunds(seller); err != nil {
		t.Fatalf("withdraw after period: %v", err)
	}
	if got := state.balance(seller); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("seller balance = %s, want 100", got)
	}
}

func TestWithdrawFundsEmptyVault(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	seller := newTestAddress(0x01)
	mustInitCampaign(t, engine, seller)
	if err := engine.MarkDelivered(seller); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	engine.SetNowFunc(func() int64 { return testNow + ConfirmationPeriodSeconds })
	if err := engine.WithdrawFunds(seller); !errors.Is(err, ErrNoFunds) {
		t.Fatalf("expected ErrNoFunds, got %v", err)
	}
}

func TestFundConservation(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	seller := newTestAddress(0x01)
	buyerA := newTestAddress(0x02)
	buyerB := newTestAddress(0x03)
	mustInitCampaign(t, engine, seller)
	state.fund(buyerA, 400)
	state.fund(buyerB, 600)

	total := func() *big.Int {
		sum := big.NewInt(0)
		for _, addr := range [][20]byte{seller, buyerA, buyerB, state.vault} {
			sum.Add(sum, state.balance(addr))
		}
		return sum
	}
	start := total()

	if err := engine.PlaceOrder(buyerA, 2, big.NewInt(200)); err != nil {
		t.Fatalf("order A: %v", err)
	}
	if err := engine.PlaceOrder(buyerB, 3, big.NewInt(300)); err != nil {
		t.Fatalf("order B: %v", err)
	}
	if got := total(); got.Cmp(start) != 0 {
		t.Fatalf("total supply changed after orders: %s", got)
	}
	if got := state.balance(state.vault); got.Cmp(state.campaign.TotalCollected) != 0 {
		t.Fatalf("vault balance %s != total collected %s", got, state.campaign.TotalCollected)
	}

	engine.SetNowFunc(func() int64 { return testNow + 3601 })
	if err := engine.ClaimRefund(buyerA); err != nil {
		t.Fatalf("refund A: %v", err)
	}
	if got := total(); got.Cmp(start) != 0 {
		t.Fatalf("total supply changed after refund: %s", got)
	}
	if got := state.balance(state.vault); got.Cmp(state.campaign.TotalCollected) != 0 {
		t.Fatalf("vault balance %s != total collected %s after refund", got, state.campaign.TotalCollected)
	}
}

func TestBuyerAccessor(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	mustInitCampaign(t, engine, seller)

	record, err := engine.Buyer(buyer)
	if err != nil {
		t.Fatalf("buyer accessor: %v", err)
	}
	if record.HasOrder() {
		t.Fatalf("unknown buyer must read as zero record")
	}

	state.fund(buyer, 1000)
	if err := engine.PlaceOrder(buyer, 1, big.NewInt(100)); err != nil {
		t.Fatalf("place order: %v", err)
	}
	record, err = engine.Buyer(buyer)
	if err != nil {
		t.Fatalf("buyer accessor: %v", err)
	}
	if !record.HasOrder() || record.Quantity != 1 {
		t.Fatalf("unexpected record after order")
	}

	// Mutating the returned copy must not touch stored state.
	record.Quantity = 99
	stored, _ := state.BuyerGet(buyer)
	if stored.Quantity != 1 {
		t.Fatalf("accessor leaked internal state")
	}
}

func TestEscrowBalance(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	mustInitCampaign(t, engine, seller)
	state.fund(buyer, 1000)

	balance, err := engine.EscrowBalance()
	if err != nil {
		t.Fatalf("escrow balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("fresh vault balance = %s, want 0", balance)
	}
	if err := engine.PlaceOrder(buyer, 4, big.NewInt(400)); err != nil {
		t.Fatalf("place order: %v", err)
	}
	balance, err = engine.EscrowBalance()
	if err != nil {
		t.Fatalf("escrow balance: %v", err)
	}
	if balance.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("vault balance = %s, want 400", balance)
	}
}

func TestConfirmAfterRefundRejected(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	mustInitCampaign(t, engine, seller)
	state.fund(buyer, 1000)
	if err := engine.PlaceOrder(buyer, 1, big.NewInt(100)); err != nil {
		t.Fatalf("place order: %v", err)
	}
	engine.SetNowFunc(func() int64 { return testNow + 3601 })
	if err := engine.ClaimRefund(buyer); err != nil {
		t.Fatalf("refund: %v", err)
	}
	// Refunds imply no delivery, so the delivery guard fires first.
	if err := engine.ConfirmReceipt(buyer); !errors.Is(err, ErrNotDelivered) {
		t.Fatalf("expected ErrNotDelivered, got %v", err)
	}
}

func TestConfirmRefundedRecord(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	mustInitCampaign(t, engine, seller)
	if err := engine.MarkDelivered(seller); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	state.buyers[buyer] = &BuyerRecord{Buyer: buyer, AmountPaid: big.NewInt(0), Refunded: true}

	if err := engine.ConfirmReceipt(buyer); !errors.Is(err, ErrRefundedCannotConfirm) {
		t.Fatalf("expected ErrRefundedCannotConfirm, got %v", err)
	}
	if err := engine.ConfirmReceiptWithCode(buyer, "KEY-1"); !errors.Is(err, ErrRefundedCannotConfirm) {
		t.Fatalf("expected ErrRefundedCannotConfirm, got %v", err)
	}
}

func TestClaimRefundRepeatReportsRefunded(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	mustInitCampaign(t, engine, seller)
	state.fund(buyer, 1000)
	if err := engine.PlaceOrder(buyer, 1, big.NewInt(100)); err != nil {
		t.Fatalf("place order: %v", err)
	}
	engine.SetNowFunc(func() int64 { return testNow + 3601 })
	if err := engine.ClaimRefund(buyer); err != nil {
		t.Fatalf("refund: %v", err)
	}
	// The zeroed record still carries the refunded flag; repeat claims must
	// surface it rather than ErrNoPreorder, and must move no funds.
	for i := 0; i < 2; i++ {
		if err := engine.ClaimRefund(buyer); !errors.Is(err, ErrAlreadyRefunded) {
			t.Fatalf("repeat %d: expected ErrAlreadyRefunded, got %v", i, err)
		}
	}
	if got := state.balance(buyer); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("buyer balance = %s, want 1000", got)
	}
}
