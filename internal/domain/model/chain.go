package model

type Chain string

const (
	ChainEthereum Chain = "ethereum"
)

func (c Chain) String() string {
	return string(c)
}

type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkSepolia Network = "sepolia"
)

func (n Network) String() string {
	return string(n)
}

// ChainIDSepolia is the EIP-155 chain id of the Sepolia testnet.
const ChainIDSepolia int64 = 11155111

// NetworkForChainID maps an EIP-155 chain id to the network label used in
// logs and metrics. Unknown ids map to an empty network.
func NetworkForChainID(chainID int64) Network {
	switch chainID {
	case 1:
		return NetworkMainnet
	case ChainIDSepolia:
		return NetworkSepolia
	default:
		return ""
	}
}
