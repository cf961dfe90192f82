// Package types contains shared type definitions used across multiple packages
package types

import "fmt"

// SupportedChain represents a blockchain network the index is deployed on
type SupportedChain string

// Chains the index product currently runs on
const (
	ChainEthereum SupportedChain = "ethereum"
	ChainBase     SupportedChain = "base"
	ChainArbitrum SupportedChain = "arbitrum"
)

// AllChains lists every supported chain in display order.
func AllChains() []SupportedChain {
	return []SupportedChain{ChainEthereum, ChainBase, ChainArbitrum}
}

// Valid reports whether the chain name is one of the supported chains.
func (c SupportedChain) Valid() bool {
	switch c {
	case ChainEthereum, ChainBase, ChainArbitrum:
		return true
	}
	return false
}

// infuraHosts maps each chain to its Infura gateway host prefix.
var infuraHosts = map[SupportedChain]string{
	ChainEthereum: "mainnet",
	ChainBase:     "base-mainnet",
	ChainArbitrum: "arbitrum-mainnet",
}

// RPCEndpoint builds the JSON-RPC URL for a chain from the gateway key.
func RPCEndpoint(chain SupportedChain, key string) (string, error) {
	host, ok := infuraHosts[chain]
	if !ok {
		return "", fmt.Errorf("no RPC gateway for chain %q", chain)
	}
	return fmt.Sprintf("https://%s.infura.io/v3/%s", host, key), nil
}

// DefaultTreasuryContracts is the treasury contract per chain. The same
// contracts double as the SRPT index-token addresses.
var DefaultTreasuryContracts = map[SupportedChain]string{
	ChainEthereum: "0x9cd8d94f69ed3ca784231e162905745c436d22bc",
	ChainBase:     "0x9b2ae23a9693475f0588e09e814d6977821c1492",
	ChainArbitrum: "0x5f2d9c9619807182a9c3353ff67fd695b6d1b892",
}

// DefaultProtocolOwner is the owner account that accrues protocol revenue.
const DefaultProtocolOwner = "0x383Ea62B67fe18CF201E065DB93Cb830D2cD3677"

// WETHOverrides maps the canonical wrapped-native addresses to a fixed
// symbol; the exchange feed does not always annotate them.
var WETHOverrides = map[string]string{
	"0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2": "WETH", // ethereum
	"0x4200000000000000000000000000000000000006": "WETH", // base
	"0x82af49447d8a07e3bd95bd0d56f35241523fbab1": "WETH", // arbitrum
}
