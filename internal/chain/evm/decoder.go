package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/cosmasemerah/verify-nft-claim/internal/domain/model"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TokensClaimedSignature is the ERC-1155 drop claim event.
const TokensClaimedSignature = "TokensClaimed(uint256,address,address,uint256,uint256)"

const tokensClaimedEventName = "TokensClaimed"

const tokensClaimedABI = `[{
	"anonymous": false,
	"type": "event",
	"name": "TokensClaimed",
	"inputs": [
		{"indexed": true,  "internalType": "uint256", "name": "claimConditionIndex", "type": "uint256"},
		{"indexed": true,  "internalType": "address", "name": "claimer",             "type": "address"},
		{"indexed": true,  "internalType": "address", "name": "receiver",            "type": "address"},
		{"indexed": false, "internalType": "uint256", "name": "tokenId",             "type": "uint256"},
		{"indexed": false, "internalType": "uint256", "name": "quantityClaimed",     "type": "uint256"}
	]
}]`

// ClaimDecoder decodes TokensClaimed logs into model.ClaimEvent.
type ClaimDecoder struct {
	event   abi.Event
	indexed abi.Arguments
}

func NewClaimDecoder() (*ClaimDecoder, error) {
	parsed, err := abi.JSON(strings.NewReader(tokensClaimedABI))
	if err != nil {
		return nil, fmt.Errorf("parse TokensClaimed abi: %w", err)
	}
	event, ok := parsed.Events[tokensClaimedEventName]
	if !ok {
		return nil, fmt.Errorf("abi has no %s event", tokensClaimedEventName)
	}

	indexed := make(abi.Arguments, 0, 3)
	for _, input := range event.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}

	return &ClaimDecoder{event: event, indexed: indexed}, nil
}

// Topic returns topic0 of TokensClaimed.
func (d *ClaimDecoder) Topic() common.Hash {
	return d.event.ID
}

// Decode converts a raw log into a ClaimEvent.
func (d *ClaimDecoder) Decode(log types.Log) (model.ClaimEvent, error) {
	if len(log.Topics) == 0 || log.Topics[0] != d.event.ID {
		return model.ClaimEvent{}, fmt.Errorf("log %s:%d is not %s", log.TxHash.Hex(), log.Index, tokensClaimedEventName)
	}
	if len(log.Topics) != len(d.indexed)+1 {
		return model.ClaimEvent{}, fmt.Errorf("log %s:%d has %d topics, want %d", log.TxHash.Hex(), log.Index, len(log.Topics), len(d.indexed)+1)
	}

	fields := make(map[string]interface{}, len(d.event.Inputs))
	if err := abi.ParseTopicsIntoMap(fields, d.indexed, log.Topics[1:]); err != nil {
		return model.ClaimEvent{}, fmt.Errorf("parse indexed fields: %w", err)
	}
	if err := d.event.Inputs.UnpackIntoMap(fields, log.Data); err != nil {
		return model.ClaimEvent{}, fmt.Errorf("unpack data fields: %w", err)
	}

	ev := model.ClaimEvent{
		Contract:    log.Address,
		BlockNumber: model.BlockNumber(log.BlockNumber),
		BlockHash:   log.BlockHash,
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
		Removed:     log.Removed,
	}

	var ok bool
	if ev.ClaimConditionIndex, ok = fields["claimConditionIndex"].(*big.Int); !ok {
		return model.ClaimEvent{}, fmt.Errorf("claimConditionIndex has type %T", fields["claimConditionIndex"])
	}
	if ev.Claimer, ok = fields["claimer"].(common.Address); !ok {
		return model.ClaimEvent{}, fmt.Errorf("claimer has type %T", fields["claimer"])
	}
	if ev.Receiver, ok = fields["receiver"].(common.Address); !ok {
		return model.ClaimEvent{}, fmt.Errorf("receiver has type %T", fields["receiver"])
	}
	if ev.TokenID, ok = fields["tokenId"].(*big.Int); !ok {
		return model.ClaimEvent{}, fmt.Errorf("tokenId has type %T", fields["tokenId"])
	}
	if ev.QuantityClaimed, ok = fields["quantityClaimed"].(*big.Int); !ok {
		return model.ClaimEvent{}, fmt.Errorf("quantityClaimed has type %T", fields["quantityClaimed"])
	}

	return ev, nil
}
