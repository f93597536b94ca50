package core

import (
	"math/big"
	"sync"

	"preorderd/core/events"
	"preorderd/core/types"
	"preorderd/native/preorder"
	"preorderd/observability/metrics"
	"preorderd/state"
)

// Node is the single entry point for campaign operations. All mutating calls
// take the write lock for the full transition, reproducing the serial
// execution model the engine assumes; read accessors share the read lock and
// therefore observe a consistent snapshot.
type Node struct {
	mu     sync.RWMutex
	store  *state.CampaignStore
	engine *preorder.Engine
}

// NewNode wires a campaign engine to the supplied store and emitter.
func NewNode(store *state.CampaignStore, emitter events.Emitter) *Node {
	engine := preorder.NewEngine()
	engine.SetState(store)
	engine.SetEmitter(emitter)
	return &Node{store: store, engine: engine}
}

// SetNowFunc overrides the engine clock. Primarily for tests.
func (n *Node) SetNowFunc(now func() int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.engine.SetNowFunc(now)
}

// InitCampaign creates the campaign singleton if it does not exist yet.
func (n *Node) InitCampaign(seller [20]byte, productName string, unitPrice *big.Int, deadline int64) (*preorder.Campaign, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	campaign, err := n.engine.Init(seller, productName, unitPrice, deadline)
	n.observe("init", err)
	return campaign, err
}

// Credit seeds an account balance. Used for genesis allocations at boot.
func (n *Node) Credit(addr [20]byte, amount *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.store.Credit(addr, amount)
}

// PreorderPlace locks a buyer payment for the given quantity.
func (n *Node) PreorderPlace(buyer [20]byte, quantity uint64, amount *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	err := n.engine.PlaceOrder(buyer, quantity, amount)
	n.observe("place", err)
	return err
}

// PreorderMarkDelivered records delivery by the seller.
func (n *Node) PreorderMarkDelivered(caller [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	err := n.engine.MarkDelivered(caller)
	n.observe("mark_delivered", err)
	return err
}

// PreorderSetActivationCode registers an activation commitment for a buyer.
func (n *Node) PreorderSetActivationCode(caller, buyer [20]byte, codeHash [32]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	err := n.engine.RegisterActivationCommitment(caller, buyer, codeHash)
	n.observe("set_activation_code", err)
	return err
}

// PreorderConfirm marks the buyer's receipt as confirmed.
func (n *Node) PreorderConfirm(buyer [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	err := n.engine.ConfirmReceipt(buyer)
	n.observe("confirm", err)
	return err
}

// PreorderConfirmWithCode confirms the buyer's receipt via activation code.
func (n *Node) PreorderConfirmWithCode(buyer [20]byte, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	err := n.engine.ConfirmReceiptWithCode(buyer, code)
	n.observe("confirm_with_code", err)
	return err
}

// PreorderRefund returns the buyer's locked funds after a missed deadline.
func (n *Node) PreorderRefund(buyer [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	err := n.engine.ClaimRefund(buyer)
	n.observe("refund", err)
	return err
}

// PreorderWithdraw pays the escrow balance out to the seller.
func (n *Node) PreorderWithdraw(caller [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	err := n.engine.WithdrawFunds(caller)
	n.observe("withdraw", err)
	return err
}

// PreorderInfo returns the campaign and the current escrow balance.
func (n *Node) PreorderInfo() (*preorder.Campaign, *big.Int, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	campaign, err := n.engine.Campaign()
	if err != nil {
		return nil, nil, err
	}
	balance, err := n.engine.EscrowBalance()
	if err != nil {
		return nil, nil, err
	}
	return campaign, balance, nil
}

// PreorderBuyer returns the buyer's ledger entry (all-zero when absent).
func (n *Node) PreorderBuyer(addr [20]byte) (*preorder.BuyerRecord, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.engine.Buyer(addr)
}

// Balance returns the account for an arbitrary address.
func (n *Node) Balance(addr [20]byte) (*types.Account, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.store.GetAccount(addr[:])
}

func (n *Node) observe(op string, err error) {
	registry := metrics.Preorder()
	if err != nil {
		registry.ObserveFailure(op)
		return
	}
	registry.ObserveTransition(op)
	if campaign, ok := n.store.CampaignGet(); ok {
		registry.SetTotalCollected(bigToFloat(campaign.TotalCollected))
	}
	if balance, err := n.engine.EscrowBalance(); err == nil {
		registry.SetEscrowBalance(bigToFloat(balance))
	}
}

func bigToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
