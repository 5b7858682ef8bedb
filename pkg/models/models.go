package models

import (
	"encoding/hex"
	"time"
)

// SoloPoolGroupID is the fixed poolgroup row that solo-mined pools are
// attached to. The row is seeded by schema.sql.
const SoloPoolGroupID = 1

// AddressType classifies how an output destination is stored: a decoded
// address string (base58 or bech32), an OP_RETURN data payload, or the
// raw script disassembly for anything non-standard.
type AddressType string

const (
	AddressBase58 AddressType = "base58"
	AddressBech32 AddressType = "bech32"
	AddressData   AddressType = "data"
	AddressRaw    AddressType = "raw"
)

var addressTypes = []AddressType{AddressBase58, AddressBech32, AddressData, AddressRaw}

// InternalID maps an address type to the integer stored in the address
// table. RAW maps to -1; this mapping is a schema artefact and must be
// preserved bit-exactly.
func (t AddressType) InternalID() int {
	if t == AddressRaw {
		return -1
	}
	for i, known := range addressTypes {
		if known == t {
			return i
		}
	}
	return -1
}

// ClassifyAddress assigns the stored type of a decoded address string.
// Base58 addresses never exceed 34 characters; anything longer is a
// bech32 encoding.
func ClassifyAddress(address string) AddressType {
	if len(address) <= 34 {
		return AddressBase58
	}
	return AddressBech32
}

// ResolveAddressType converts a stored internal id back to its type.
// Unknown ids resolve to RAW.
func ResolveAddressType(internalID int) AddressType {
	if internalID < 0 || internalID >= len(addressTypes) {
		return AddressRaw
	}
	return addressTypes[internalID]
}

// OutputType is the script class of a transaction output.
type OutputType string

const (
	OutputP2PK   OutputType = "p2pk"
	OutputP2PKH  OutputType = "p2pkh"
	OutputP2SH   OutputType = "p2sh"
	OutputP2WPKH OutputType = "p2wpkh"
	OutputP2WSH  OutputType = "p2wsh"
	OutputRaw    OutputType = "raw"
)

var outputTypes = []OutputType{OutputP2PK, OutputP2PKH, OutputP2SH, OutputP2WPKH, OutputP2WSH, OutputRaw}

var rpcOutputTypes = map[string]OutputType{
	"nonstandard":           OutputRaw,
	"pubkey":                OutputP2PK,
	"pubkeyhash":            OutputP2PKH,
	"scripthash":            OutputP2SH,
	"multisig":              OutputRaw,
	"nulldata":              OutputRaw,
	"witness_v0_keyhash":    OutputP2WPKH,
	"witness_v0_scripthash": OutputP2WSH,
}

// InternalID maps an output type to the integer stored in the txout
// table (-1 for RAW).
func (t OutputType) InternalID() int {
	if t == OutputRaw {
		return -1
	}
	for i, known := range outputTypes {
		if known == t {
			return i
		}
	}
	return -1
}

// ResolveOutputType converts a stored internal id back to its type.
func ResolveOutputType(internalID int) OutputType {
	if internalID < 0 || internalID >= len(outputTypes) {
		return OutputRaw
	}
	return outputTypes[internalID]
}

// OutputTypeFromRPC maps the scriptPubKey type string reported by the
// node to an OutputType. Unknown script classes are RAW.
func OutputTypeFromRPC(rpcType string) OutputType {
	if t, ok := rpcOutputTypes[rpcType]; ok {
		return t
	}
	return OutputRaw
}

// Balance dirty states for the address reconciler.
const (
	BalanceClean          = 0
	BalanceDirty          = 1
	BalanceDirtyLarge     = 2
	BalanceUpdateInFlight = 3
)

// Cached aggregate counter keys (cachedvalue table).
const (
	CounterTotalTransactions  = "total_transactions"
	CounterTotalBlocks        = "total_blocks"
	CounterTotalFees          = "total_fees"
	CounterTotalCoinsReleased = "total_coins_released"
)

// Satoshi is the base monetary unit; all stored amounts are satoshis.
type Satoshi = int64

// SatoshiPerCoin converts between node-reported coin floats and the
// stored integer representation.
const SatoshiPerCoin = 100000000

// Address is an output destination. The address string is NULL for DATA
// and RAW rows, which carry the payload/disassembly in Raw instead.
type Address struct {
	ID           int64
	Type         AddressType
	Address      *string
	Raw          *string
	Balance      *Satoshi
	BalanceDirty int
}

// Label is the human-readable identifier used in log lines: the address
// string when there is one, the raw payload otherwise.
func (a *Address) Label() string {
	if a.Address != nil {
		return *a.Address
	}
	if a.Raw != nil {
		return *a.Raw
	}
	return "?"
}

type Block struct {
	ID         int64
	Hash       []byte
	Height     *int64 // NULL while orphaned
	Size       int64
	Timestamp  time.Time
	Difficulty float64
	FirstSeen  *time.Time
	RelayedBy  *string
	TotalFee   *Satoshi
	MinerID    *int64
}

// HashHex returns the block hash as lowercase hex.
func (b *Block) HashHex() string {
	return hex.EncodeToString(b.Hash)
}

// Time is the block's best-known wall-clock moment: relay time when the
// block was observed live, the node-reported timestamp otherwise.
func (b *Block) Time() time.Time {
	if b.FirstSeen != nil {
		return *b.FirstSeen
	}
	return b.Timestamp
}

// BlockTransaction is the ordered (block, transaction) join; row order
// preserves the node-reported position, so the coinbase is position 0.
type BlockTransaction struct {
	ID            int64
	BlockID       int64
	TransactionID int64
}

type CoinbaseInfo struct {
	BlockID       int64
	TransactionID int64
	Raw           []byte
	Signature     *string
	MainOutputID  *int64
	NewCoins      *Satoshi
}

type Transaction struct {
	ID             int64
	TxID           []byte
	Size           int64
	Fee            Satoshi
	TotalValue     Satoshi
	FirstSeen      *time.Time
	RelayedBy      *string
	ConfirmationID *int64
	DoubleSpends   *int64

	// Confirmation context, populated by queries that join blocktx and
	// block. Nil for unconfirmed transactions.
	BlockID     *int64
	BlockHeight *int64
	BlockTime   *time.Time

	Coinbase bool
}

// TxIDHex returns the transaction id as lowercase hex.
func (t *Transaction) TxIDHex() string {
	return hex.EncodeToString(t.TxID)
}

// Confirmed reports whether the transaction is referenced by an
// on-chain block.
func (t *Transaction) Confirmed() bool {
	return t.ConfirmationID != nil
}

// Time is firstseen when the transaction was observed in the mempool,
// else the confirming block's time, else nil.
func (t *Transaction) Time() *time.Time {
	if t.FirstSeen != nil {
		return t.FirstSeen
	}
	return t.BlockTime
}

type TransactionInput struct {
	ID            int64
	TransactionID int64
	Index         int
	InputID       *int64 // NULL iff coinbase input
}

type TransactionOutput struct {
	ID            int64
	TransactionID int64
	Index         int
	Type          OutputType
	AddressID     *int64
	Amount        Satoshi
	SpentByID     *int64 // NULL while unspent
}

// Mutation is one transaction's net effect on one address.
type Mutation struct {
	ID            int64
	TransactionID int64
	AddressID     int64
	Amount        Satoshi
}

type Pool struct {
	ID         int64
	GroupID    *int64
	Name       string
	Solo       bool
	Website    *string
	GraphColor *string
}

type PoolAddress struct {
	AddressID int64
	PoolID    int64
}

type PoolGroup struct {
	ID         int64
	Name       string
	Website    *string
	GraphColor *string
}

type PoolCoinbaseSignature struct {
	ID        int64
	Signature string
	PoolID    int64
}

// CoinDaysDestroyed holds the derived liveness metric for one confirmed
// non-coinbase transaction.
type CoinDaysDestroyed struct {
	TransactionID int64
	CoinDays      float64
	Timestamp     time.Time
}

// CachedValue is an id-keyed aggregate with a validity flag; when Valid
// is false the value must be recomputed before use.
type CachedValue struct {
	ID    string
	Value int64
	Valid bool
}

// CoinFromSatoshi converts a stored amount to coin units for the API.
func CoinFromSatoshi(v Satoshi) float64 {
	return float64(v) / SatoshiPerCoin
}

// SatoshiFromCoin converts a node-reported coin value to satoshis,
// rounding to the nearest base unit.
func SatoshiFromCoin(v float64) Satoshi {
	if v >= 0 {
		return Satoshi(v*SatoshiPerCoin + 0.5)
	}
	return Satoshi(v*SatoshiPerCoin - 0.5)
}
