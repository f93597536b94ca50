package preorder

import (
	"fmt"
	"math/big"
	"strings"
)

// Campaign captures the singleton terms and runtime flags of one preorder
// escrow campaign. ProductName, UnitPrice, Deadline, Seller and Salt are fixed
// at initialisation; the delivery and withdrawal flags only ever move forward.
type Campaign struct {
	ProductName    string
	UnitPrice      *big.Int
	Deadline       int64
	Seller         [20]byte
	CreatedAt      int64
	Salt           [32]byte
	Delivered      bool
	DeliveredAt    int64
	FundsWithdrawn bool
	AnyConfirmed   bool
	TotalQuantity  uint64
	TotalCollected *big.Int
}

// Clone returns a deep copy of the campaign so callers can safely mutate the
// copy without affecting the stored instance.
func (c *Campaign) Clone() *Campaign {
	if c == nil {
		return nil
	}
	clone := *c
	if c.UnitPrice != nil {
		clone.UnitPrice = new(big.Int).Set(c.UnitPrice)
	} else {
		clone.UnitPrice = big.NewInt(0)
	}
	if c.TotalCollected != nil {
		clone.TotalCollected = new(big.Int).Set(c.TotalCollected)
	} else {
		clone.TotalCollected = big.NewInt(0)
	}
	return &clone
}

// SanitizeCampaign validates and normalises the supplied campaign, returning a
// cloned instance with non-nil amount fields. The original is not mutated.
func SanitizeCampaign(c *Campaign) (*Campaign, error) {
	if c == nil {
		return nil, fmt.Errorf("nil campaign")
	}
	clone := c.Clone()
	clone.ProductName = strings.TrimSpace(clone.ProductName)
	if clone.ProductName == "" {
		return nil, fmt.Errorf("campaign product name must not be empty")
	}
	if clone.UnitPrice.Sign() <= 0 {
		return nil, fmt.Errorf("campaign unit price must be positive")
	}
	if clone.TotalCollected.Sign() < 0 {
		return nil, fmt.Errorf("campaign total collected must be non-negative")
	}
	if clone.Delivered && clone.DeliveredAt == 0 {
		return nil, fmt.Errorf("delivered campaign requires a delivery timestamp")
	}
	if !clone.Delivered && clone.FundsWithdrawn {
		return nil, fmt.Errorf("withdrawal requires delivery")
	}
	return clone, nil
}

// BuyerRecord is one ledger entry keyed by buyer identity. Quantity and
// AmountPaid move together: both accumulate on each order and both are zeroed
// on refund, so AmountPaid == 0 iff Quantity == 0.
type BuyerRecord struct {
	Buyer      [20]byte
	Quantity   uint64
	AmountPaid *big.Int
	Confirmed  bool
	Refunded   bool
}

// Clone returns a deep copy of the buyer record.
func (r *BuyerRecord) Clone() *BuyerRecord {
	if r == nil {
		return nil
	}
	clone := *r
	if r.AmountPaid != nil {
		clone.AmountPaid = new(big.Int).Set(r.AmountPaid)
	} else {
		clone.AmountPaid = big.NewInt(0)
	}
	return &clone
}

// HasOrder reports whether the record represents a live preorder. A refunded
// record is zeroed and therefore reads as "no preorder".
func (r *BuyerRecord) HasOrder() bool {
	return r != nil && r.AmountPaid != nil && r.AmountPaid.Sign() > 0
}

// SanitizeBuyerRecord validates the paired-zero invariant and returns a clone.
func SanitizeBuyerRecord(r *BuyerRecord) (*BuyerRecord, error) {
	if r == nil {
		return nil, fmt.Errorf("nil buyer record")
	}
	clone := r.Clone()
	if clone.AmountPaid.Sign() < 0 {
		return nil, fmt.Errorf("buyer amount paid must be non-negative")
	}
	if (clone.AmountPaid.Sign() == 0) != (clone.Quantity == 0) {
		return nil, fmt.Errorf("buyer amount and quantity must be zeroed together")
	}
	if clone.Refunded && clone.Confirmed {
		return nil, fmt.Errorf("buyer cannot be both refunded and confirmed")
	}
	if clone.Refunded && clone.AmountPaid.Sign() != 0 {
		return nil, fmt.Errorf("refunded buyer must hold no funds")
	}
	return clone, nil
}

// ActivationEntry stores the seller-registered salted commitment for one buyer.
// Entries are created once and never mutated or deleted.
type ActivationEntry struct {
	Buyer    [20]byte
	CodeHash [32]byte
	SetAt    int64
}

// Clone returns a copy of the activation entry.
func (a *ActivationEntry) Clone() *ActivationEntry {
	if a == nil {
		return nil
	}
	clone := *a
	return &clone
}
