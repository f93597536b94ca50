package state

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"preorderd/core/types"
	"preorderd/native/preorder"
	"preorderd/storage"
)

const (
	keyCampaign         = "preorder/campaign"
	keyBuyerPrefix      = "preorder/buyer/"
	keyActivationPrefix = "preorder/activation/"
	keyAccountPrefix    = "preorder/account/"
)

// CampaignStore persists the campaign singleton, the buyer ledger, activation
// commitments and account balances as JSON records in a key-value database.
// Reads decode fresh copies, so callers can mutate results freely; writers are
// expected to hold the campaign lock (core.Node) for the whole transition.
type CampaignStore struct {
	mu    sync.RWMutex
	db    storage.Database
	vault [20]byte
}

// NewCampaignStore wraps the supplied database. The escrow vault address is a
// fixed derivation so every node computes the same account.
func NewCampaignStore(db storage.Database) *CampaignStore {
	hash := ethcrypto.Keccak256([]byte("preorder/escrow-vault"))
	var vault [20]byte
	copy(vault[:], hash[12:])
	return &CampaignStore{db: db, vault: vault}
}

type storedCampaign struct {
	ProductName    string `json:"productName"`
	UnitPrice      string `json:"unitPrice"`
	Deadline       int64  `json:"deadline"`
	Seller         string `json:"seller"`
	CreatedAt      int64  `json:"createdAt"`
	Salt           string `json:"salt"`
	Delivered      bool   `json:"delivered"`
	DeliveredAt    int64  `json:"deliveredAt,omitempty"`
	FundsWithdrawn bool   `json:"fundsWithdrawn"`
	AnyConfirmed   bool   `json:"anyConfirmed"`
	TotalQuantity  uint64 `json:"totalQuantity"`
	TotalCollected string `json:"totalCollected"`
}

type storedBuyer struct {
	Buyer      string `json:"buyer"`
	Quantity   uint64 `json:"quantity"`
	AmountPaid string `json:"amountPaid"`
	Confirmed  bool   `json:"confirmed"`
	Refunded   bool   `json:"refunded"`
}

type storedActivation struct {
	Buyer    string `json:"buyer"`
	CodeHash string `json:"codeHash"`
	SetAt    int64  `json:"setAt"`
}

func encodeBig(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func decodeBig(raw string) (*big.Int, error) {
	if raw == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("state: invalid integer %q", raw)
	}
	return v, nil
}

func decodeFixed20(raw string) ([20]byte, error) {
	var out [20]byte
	b, err := hex.DecodeString(raw)
	if err != nil {
		return out, err
	}
	if len(b) != 20 {
		return out, fmt.Errorf("state: expected 20 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func decodeFixed32(raw string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(raw)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("state: expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// CampaignPut sanitises and persists the campaign singleton.
func (s *CampaignStore) CampaignPut(c *preorder.Campaign) error {
	sanitized, err := preorder.SanitizeCampaign(c)
	if err != nil {
		return err
	}
	record := storedCampaign{
		ProductName:    sanitized.ProductName,
		UnitPrice:      encodeBig(sanitized.UnitPrice),
		Deadline:       sanitized.Deadline,
		Seller:         hex.EncodeToString(sanitized.Seller[:]),
		CreatedAt:      sanitized.CreatedAt,
		Salt:           hex.EncodeToString(sanitized.Salt[:]),
		Delivered:      sanitized.Delivered,
		DeliveredAt:    sanitized.DeliveredAt,
		FundsWithdrawn: sanitized.FundsWithdrawn,
		AnyConfirmed:   sanitized.AnyConfirmed,
		TotalQuantity:  sanitized.TotalQuantity,
		TotalCollected: encodeBig(sanitized.TotalCollected),
	}
	return s.putJSON([]byte(keyCampaign), record)
}

// CampaignGet loads the campaign singleton, if initialised.
func (s *CampaignStore) CampaignGet() (*preorder.Campaign, bool) {
	var record storedCampaign
	ok, err := s.getJSON([]byte(keyCampaign), &record)
	if err != nil || !ok {
		return nil, false
	}
	seller, err := decodeFixed20(record.Seller)
	if err != nil {
		return nil, false
	}
	salt, err := decodeFixed32(record.Salt)
	if err != nil {
		return nil, false
	}
	price, err := decodeBig(record.UnitPrice)
	if err != nil {
		return nil, false
	}
	collected, err := decodeBig(record.TotalCollected)
	if err != nil {
		return nil, false
	}
	return &preorder.Campaign{
		ProductName:    record.ProductName,
		UnitPrice:      price,
		Deadline:       record.Deadline,
		Seller:         seller,
		CreatedAt:      record.CreatedAt,
		Salt:           salt,
		Delivered:      record.Delivered,
		DeliveredAt:    record.DeliveredAt,
		FundsWithdrawn: record.FundsWithdrawn,
		AnyConfirmed:   record.AnyConfirmed,
		TotalQuantity:  record.TotalQuantity,
		TotalCollected: collected,
	}, true
}

// BuyerPut sanitises and persists one ledger entry.
func (s *CampaignStore) BuyerPut(r *preorder.BuyerRecord) error {
	sanitized, err := preorder.SanitizeBuyerRecord(r)
	if err != nil {
		return err
	}
	record := storedBuyer{
		Buyer:      hex.EncodeToString(sanitized.Buyer[:]),
		Quantity:   sanitized.Quantity,
		AmountPaid: encodeBig(sanitized.AmountPaid),
		Confirmed:  sanitized.Confirmed,
		Refunded:   sanitized.Refunded,
	}
	return s.putJSON(buyerKey(sanitized.Buyer), record)
}

// BuyerGet loads one ledger entry.
func (s *CampaignStore) BuyerGet(addr [20]byte) (*preorder.BuyerRecord, bool) {
	var record storedBuyer
	ok, err := s.getJSON(buyerKey(addr), &record)
	if err != nil || !ok {
		return nil, false
	}
	paid, err := decodeBig(record.AmountPaid)
	if err != nil {
		return nil, false
	}
	return &preorder.BuyerRecord{
		Buyer:      addr,
		Quantity:   record.Quantity,
		AmountPaid: paid,
		Confirmed:  record.Confirmed,
		Refunded:   record.Refunded,
	}, true
}

// ActivationPut persists an activation commitment. Existing entries are never
// overwritten.
func (s *CampaignStore) ActivationPut(entry *preorder.ActivationEntry) error {
	if entry == nil {
		return errors.New("state: nil activation entry")
	}
	key := activationKey(entry.Buyer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok, err := s.db.Has(key); err != nil {
		return err
	} else if ok {
		return preorder.ErrCommitmentSet
	}
	record := storedActivation{
		Buyer:    hex.EncodeToString(entry.Buyer[:]),
		CodeHash: hex.EncodeToString(entry.CodeHash[:]),
		SetAt:    entry.SetAt,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.db.Put(key, data)
}

// ActivationGet loads the commitment registered for a buyer, if any.
func (s *CampaignStore) ActivationGet(addr [20]byte) (*preorder.ActivationEntry, bool) {
	var record storedActivation
	ok, err := s.getJSON(activationKey(addr), &record)
	if err != nil || !ok {
		return nil, false
	}
	hash, err := decodeFixed32(record.CodeHash)
	if err != nil {
		return nil, false
	}
	return &preorder.ActivationEntry{Buyer: addr, CodeHash: hash, SetAt: record.SetAt}, true
}

// VaultAddress returns the reserved escrow vault account.
func (s *CampaignStore) VaultAddress() ([20]byte, error) {
	return s.vault, nil
}

// GetAccount loads an account, defaulting to a zero balance for unknown
// addresses.
func (s *CampaignStore) GetAccount(addr []byte) (*types.Account, error) {
	if len(addr) != 20 {
		return nil, fmt.Errorf("state: account address must be 20 bytes")
	}
	var record struct {
		Nonce   uint64 `json:"nonce"`
		Balance string `json:"balance"`
	}
	ok, err := s.getJSON(accountKey(addr), &record)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	balance, err := decodeBig(record.Balance)
	if err != nil {
		return nil, err
	}
	return &types.Account{Nonce: record.Nonce, Balance: balance}, nil
}

// PutAccount persists an account.
func (s *CampaignStore) PutAccount(addr []byte, account *types.Account) error {
	if len(addr) != 20 {
		return fmt.Errorf("state: account address must be 20 bytes")
	}
	if account == nil {
		account = &types.Account{Balance: big.NewInt(0)}
	}
	balance := account.Balance
	if balance == nil {
		balance = big.NewInt(0)
	}
	if balance.Sign() < 0 {
		return fmt.Errorf("state: account balance must be non-negative")
	}
	record := struct {
		Nonce   uint64 `json:"nonce"`
		Balance string `json:"balance"`
	}{Nonce: account.Nonce, Balance: encodeBig(balance)}
	return s.putJSON(accountKey(addr), record)
}

// Credit adds funds to an account. Used for genesis allocations at boot.
func (s *CampaignStore) Credit(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: credit amount must be positive")
	}
	acc, err := s.GetAccount(addr[:])
	if err != nil {
		return err
	}
	acc.Balance = new(big.Int).Add(acc.Balance, amount)
	return s.PutAccount(addr[:], acc)
}

func buyerKey(addr [20]byte) []byte {
	return []byte(keyBuyerPrefix + hex.EncodeToString(addr[:]))
}

func activationKey(addr [20]byte) []byte {
	return []byte(keyActivationPrefix + hex.EncodeToString(addr[:]))
}

func accountKey(addr []byte) []byte {
	return []byte(keyAccountPrefix + hex.EncodeToString(addr))
}

func (s *CampaignStore) putJSON(key []byte, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Put(key, data)
}

func (s *CampaignStore) getJSON(key []byte, out interface{}) (bool, error) {
	s.mu.RLock()
	data, err := s.db.Get(key)
	s.mu.RUnlock()
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}
