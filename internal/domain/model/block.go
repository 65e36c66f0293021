package model

import (
	"fmt"
	"strconv"
	"strings"
)

// BlockNumber is a chain block height.
type BlockNumber uint64

// GenesisBlock is the watermark used when no persisted state exists. It is the
// deployment block of the claim contract, so nothing earlier can match.
const GenesisBlock BlockNumber = 6509924

func (b BlockNumber) String() string {
	return strconv.FormatUint(uint64(b), 10)
}

// ParseBlockNumber parses a non-negative decimal block number.
func ParseBlockNumber(value string) (BlockNumber, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return 0, fmt.Errorf("empty block number")
	}
	parsed, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse block number %q: %w", value, err)
	}
	return BlockNumber(parsed), nil
}
