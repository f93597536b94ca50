package preorder

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"preorderd/core/types"
)

const (
	EventTypeCampaignCreated  = "preorder.campaign_created"
	EventTypeOrderPlaced      = "preorder.order_placed"
	EventTypeDelivered        = "preorder.delivered"
	EventTypeActivationSet    = "preorder.activation_set"
	EventTypeReceiptConfirmed = "preorder.receipt_confirmed"
	EventTypeRefundClaimed    = "preorder.refund_claimed"
	EventTypeFundsWithdrawn   = "preorder.funds_withdrawn"
)

// NewCampaignCreatedEvent returns the canonical event payload for campaign
// initialisation.
func NewCampaignCreatedEvent(c *Campaign) *types.Event {
	attrs := campaignAttrs(c)
	if c != nil {
		attrs["createdAt"] = strconv.FormatInt(c.CreatedAt, 10)
		attrs["deadline"] = strconv.FormatInt(c.Deadline, 10)
	}
	return &types.Event{Type: EventTypeCampaignCreated, Attributes: attrs}
}

// NewOrderPlacedEvent returns the canonical event payload for a locked order.
func NewOrderPlacedEvent(c *Campaign, buyer [20]byte, quantity uint64, amount *big.Int, ts int64) *types.Event {
	attrs := campaignAttrs(c)
	attrs["buyer"] = hex.EncodeToString(buyer[:])
	attrs["quantity"] = strconv.FormatUint(quantity, 10)
	attrs["amount"] = bigIntString(amount)
	attrs["timestamp"] = strconv.FormatInt(ts, 10)
	return &types.Event{Type: EventTypeOrderPlaced, Attributes: attrs}
}

// NewDeliveredEvent returns the canonical event payload emitted when the seller
// marks delivery.
func NewDeliveredEvent(c *Campaign) *types.Event {
	attrs := campaignAttrs(c)
	if c != nil {
		attrs["deliveredAt"] = strconv.FormatInt(c.DeliveredAt, 10)
	}
	return &types.Event{Type: EventTypeDelivered, Attributes: attrs}
}

// NewActivationSetEvent returns the canonical event payload emitted when the
// seller registers an activation commitment for a buyer.
func NewActivationSetEvent(c *Campaign, buyer [20]byte, ts int64) *types.Event {
	attrs := campaignAttrs(c)
	attrs["buyer"] = hex.EncodeToString(buyer[:])
	attrs["timestamp"] = strconv.FormatInt(ts, 10)
	return &types.Event{Type: EventTypeActivationSet, Attributes: attrs}
}

// NewReceiptConfirmedEvent returns the canonical event payload for a buyer
// confirmation, tagging which evidentiary path was used.
func NewReceiptConfirmedEvent(c *Campaign, buyer [20]byte, method string, ts int64) *types.Event {
	attrs := campaignAttrs(c)
	attrs["buyer"] = hex.EncodeToString(buyer[:])
	attrs["method"] = method
	attrs["timestamp"] = strconv.FormatInt(ts, 10)
	return &types.Event{Type: EventTypeReceiptConfirmed, Attributes: attrs}
}

// NewRefundClaimedEvent returns the canonical event payload for a refund.
func NewRefundClaimedEvent(c *Campaign, buyer [20]byte, amount *big.Int, quantity uint64, ts int64) *types.Event {
	attrs := campaignAttrs(c)
	attrs["buyer"] = hex.EncodeToString(buyer[:])
	attrs["amount"] = bigIntString(amount)
	attrs["quantity"] = strconv.FormatUint(quantity, 10)
	attrs["timestamp"] = strconv.FormatInt(ts, 10)
	return &types.Event{Type: EventTypeRefundClaimed, Attributes: attrs}
}

// NewFundsWithdrawnEvent returns the canonical event payload for the terminal
// seller withdrawal.
func NewFundsWithdrawnEvent(c *Campaign, amount *big.Int, ts int64) *types.Event {
	attrs := campaignAttrs(c)
	attrs["amount"] = bigIntString(amount)
	attrs["timestamp"] = strconv.FormatInt(ts, 10)
	return &types.Event{Type: EventTypeFundsWithdrawn, Attributes: attrs}
}

func campaignAttrs(c *Campaign) map[string]string {
	attrs := make(map[string]string)
	if c == nil {
		return attrs
	}
	attrs["product"] = c.ProductName
	attrs["seller"] = hex.EncodeToString(c.Seller[:])
	return attrs
}

func bigIntString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
