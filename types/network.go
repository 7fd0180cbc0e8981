package types

import (
	"strings"

	"github.com/gagliardetto/solana-go/rpc"
)

// Network represents a Solana cluster
type Network string

const (
	NetworkMainnet  Network = "mainnet-beta"
	NetworkDevnet   Network = "devnet"
	NetworkTestnet  Network = "testnet"
	NetworkLocalnet Network = "localnet"
)

// ParseNetwork maps a configured cluster name to a Network. "mainnet" is
// accepted as an alias of mainnet-beta.
func ParseNetwork(s string) (Network, bool) {
	switch n := Network(strings.ToLower(strings.TrimSpace(s))); n {
	case "mainnet":
		return NetworkMainnet, true
	case NetworkMainnet, NetworkDevnet, NetworkTestnet, NetworkLocalnet:
		return n, true
	default:
		return "", false
	}
}

// DefaultRPC returns the public RPC endpoint of the cluster.
func (n Network) DefaultRPC() string {
	switch n {
	case NetworkMainnet:
		return rpc.MainNetBeta.RPC
	case NetworkTestnet:
		return rpc.TestNet.RPC
	case NetworkLocalnet:
		return rpc.LocalNet.RPC
	default:
		return rpc.DevNet.RPC
	}
}

func (n Network) IsTestnet() bool {
	return n != NetworkMainnet
}

func (n Network) String() string {
	return string(n)
}
