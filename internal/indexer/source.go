// Package indexer reads vault purchase logs from an indexing service.
package indexer

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Source yields raw logs by block range.
type Source interface {
	// Head returns the latest block the source knows about.
	Head(ctx context.Context) (uint64, error)
	// Logs returns purchase logs in [from, to], inclusive.
	Logs(ctx context.Context, from, to uint64) ([]types.Log, error)
}

// LogFilterer is the subset of ethclient.Client the EthSource needs.
type LogFilterer interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// EthSource reads logs from a JSON-RPC node.
type EthSource struct {
	client   LogFilterer
	contract common.Address
	closer   func()
}

// NewEthSource wraps an existing client.
func NewEthSource(client LogFilterer, contract common.Address) *EthSource {
	return &EthSource{client: client, contract: contract}
}

// Dial connects to rpcURL and filters logs emitted by contract.
func Dial(ctx context.Context, rpcURL, contract string) (*EthSource, error) {
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("indexer: invalid contract address %q", contract)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("indexer: dial rpc %s: %w", rpcURL, err)
	}
	s := NewEthSource(client, common.HexToAddress(contract))
	s.closer = client.Close
	return s, nil
}

func (s *EthSource) Head(ctx context.Context) (uint64, error) {
	n, err := s.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("indexer: block number: %w", err)
	}
	return n, nil
}

func (s *EthSource) Logs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{s.contract},
		Topics:    [][]common.Hash{{PurchasedTopic}},
	})
	if err != nil {
		return nil, fmt.Errorf("indexer: filter logs [%d,%d]: %w", from, to, err)
	}
	return logs, nil
}

// Close releases the underlying RPC connection.
func (s *EthSource) Close() {
	if s.closer != nil {
		s.closer()
	}
}
