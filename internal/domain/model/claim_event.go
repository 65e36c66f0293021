package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ClaimEvent is a decoded TokensClaimed log emitted by an ERC-1155 drop contract.
type ClaimEvent struct {
	Contract    common.Address
	BlockNumber BlockNumber
	BlockHash   common.Hash
	TxHash      common.Hash
	LogIndex    uint
	Removed     bool

	ClaimConditionIndex *big.Int
	Claimer             common.Address
	Receiver            common.Address
	TokenID             *big.Int
	QuantityClaimed     *big.Int
}

// ClaimerAddress returns the checksummed claimer address submitted to the
// credential API.
func (e ClaimEvent) ClaimerAddress() string {
	return e.Claimer.Hex()
}

// LogAttrs returns the event as slog key/value pairs.
func (e ClaimEvent) LogAttrs() []any {
	return []any{
		"block", uint64(e.BlockNumber),
		"tx_hash", e.TxHash.Hex(),
		"log_index", e.LogIndex,
		"claimer", e.Claimer.Hex(),
		"receiver", e.Receiver.Hex(),
		"token_id", bigString(e.TokenID),
		"quantity", bigString(e.QuantityClaimed),
		"condition_index", bigString(e.ClaimConditionIndex),
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
