package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/core/types"
)

func (c *Client) GetBlockNumber(ctx context.Context) (uint64, error) {
	result, err := c.call(ctx, "eth_blockNumber", []interface{}{})
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}

	var hexNum string
	if err := json.Unmarshal(result, &hexNum); err != nil {
		return 0, fmt.Errorf("unmarshal block number: %w", err)
	}

	blockNumber, err := ParseHexUint64(hexNum)
	if err != nil {
		return 0, fmt.Errorf("parse block number: %w", err)
	}
	return blockNumber, nil
}

func (c *Client) GetChainID(ctx context.Context) (int64, error) {
	result, err := c.call(ctx, "eth_chainId", []interface{}{})
	if err != nil {
		return 0, fmt.Errorf("eth_chainId: %w", err)
	}

	var hexID string
	if err := json.Unmarshal(result, &hexID); err != nil {
		return 0, fmt.Errorf("unmarshal chain id: %w", err)
	}

	chainID, err := ParseHexUint64(hexID)
	if err != nil {
		return 0, fmt.Errorf("parse chain id: %w", err)
	}
	return int64(chainID), nil
}

func (c *Client) GetLogs(ctx context.Context, filter LogFilter) ([]types.Log, error) {
	result, err := c.call(ctx, "eth_getLogs", []interface{}{filter})
	if err != nil {
		return nil, fmt.Errorf("eth_getLogs(%s..%s): %w", filter.FromBlock, filter.ToBlock, err)
	}
	if string(result) == "null" {
		return []types.Log{}, nil
	}

	var logs []types.Log
	if err := json.Unmarshal(result, &logs); err != nil {
		return nil, fmt.Errorf("unmarshal logs: %w", err)
	}

	return logs, nil
}

func ParseHexUint64(value string) (uint64, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return 0, fmt.Errorf("empty hex value")
	}
	raw = strings.TrimPrefix(strings.ToLower(raw), "0x")
	if raw == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseUint(raw, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse hex %q: %w", value, err)
	}
	return parsed, nil
}

// FormatHexUint64 renders value as a JSON-RPC hex quantity.
func FormatHexUint64(value uint64) string {
	return fmt.Sprintf("0x%x", value)
}
