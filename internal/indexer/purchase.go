package indexer

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/atmx/strategy-vault/internal/model"
)

const vaultEventsJSON = `[
	{
		"name": "StrategyPurchased",
		"type": "event",
		"anonymous": false,
		"inputs": [
			{"name": "strategyId", "type": "uint256", "indexed": true},
			{"name": "user", "type": "address", "indexed": true},
			{"name": "grossAmount", "type": "uint256", "indexed": false},
			{"name": "netAmount", "type": "uint256", "indexed": false}
		]
	}
]`

// ErrInvalidLog marks a raw log that is not a well-formed purchase.
var ErrInvalidLog = errors.New("indexer: invalid purchase log")

var (
	vaultABI abi.ABI

	// PurchasedTopic is topic0 of StrategyPurchased.
	PurchasedTopic common.Hash
)

func init() {
	var err error
	vaultABI, err = abi.JSON(strings.NewReader(vaultEventsJSON))
	if err != nil {
		panic("vault abi parse: " + err.Error())
	}
	PurchasedTopic = vaultABI.Events["StrategyPurchased"].ID
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidLog, fmt.Sprintf(format, args...))
}

// Decode turns a raw StrategyPurchased log into a PurchaseEvent.
func Decode(l types.Log) (model.PurchaseEvent, error) {
	if l.Removed {
		return model.PurchaseEvent{}, invalid("log removed by reorg")
	}
	if len(l.Topics) != 3 {
		return model.PurchaseEvent{}, invalid("want 3 topics, got %d", len(l.Topics))
	}
	if l.Topics[0] != PurchasedTopic {
		return model.PurchaseEvent{}, invalid("unexpected topic0 %s", l.Topics[0].Hex())
	}

	id := new(big.Int).SetBytes(l.Topics[1].Bytes())
	if !id.IsInt64() {
		return model.PurchaseEvent{}, invalid("strategy id %s out of range", id)
	}
	userWord := l.Topics[2].Bytes()
	for _, b := range userWord[:common.HashLength-common.AddressLength] {
		if b != 0 {
			return model.PurchaseEvent{}, invalid("non-canonical user topic %s", l.Topics[2].Hex())
		}
	}
	user := common.BytesToAddress(userWord)

	values, err := vaultABI.Unpack("StrategyPurchased", l.Data)
	if err != nil {
		return model.PurchaseEvent{}, invalid("unpack data: %v", err)
	}
	if len(values) != 2 {
		return model.PurchaseEvent{}, invalid("want 2 data values, got %d", len(values))
	}
	gross, ok1 := values[0].(*big.Int)
	net, ok2 := values[1].(*big.Int)
	if !ok1 || !ok2 {
		return model.PurchaseEvent{}, invalid("unexpected data types")
	}
	if !gross.IsInt64() || !net.IsInt64() {
		return model.PurchaseEvent{}, invalid("amount out of range")
	}
	if gross.Sign() == 0 {
		return model.PurchaseEvent{}, invalid("zero gross amount")
	}
	if net.Cmp(gross) > 0 {
		return model.PurchaseEvent{}, invalid("net %s exceeds gross %s", net, gross)
	}

	return model.PurchaseEvent{
		StrategyID:      id.Int64(),
		User:            strings.ToLower(user.Hex()),
		GrossAmount:     model.Amount(gross.Int64()),
		NetAmount:       model.Amount(net.Int64()),
		BlockNumber:     l.BlockNumber,
		TransactionHash: strings.ToLower(l.TxHash.Hex()),
		LogIndex:        l.Index,
	}, nil
}

// Encode builds the raw log a vault contract at addr would emit for ev.
func Encode(addr common.Address, ev model.PurchaseEvent) (types.Log, error) {
	if ev.StrategyID < 0 || ev.GrossAmount < 0 || ev.NetAmount < 0 {
		return types.Log{}, errors.New("indexer: negative purchase field")
	}
	if !common.IsHexAddress(ev.User) {
		return types.Log{}, fmt.Errorf("indexer: user %q is not an address", ev.User)
	}
	data, err := vaultABI.Events["StrategyPurchased"].Inputs.NonIndexed().Pack(
		big.NewInt(int64(ev.GrossAmount)),
		big.NewInt(int64(ev.NetAmount)),
	)
	if err != nil {
		return types.Log{}, fmt.Errorf("indexer: pack purchase: %w", err)
	}
	return types.Log{
		Address: addr,
		Topics: []common.Hash{
			PurchasedTopic,
			common.BigToHash(big.NewInt(ev.StrategyID)),
			common.BytesToHash(common.HexToAddress(ev.User).Bytes()),
		},
		Data:        data,
		BlockNumber: ev.BlockNumber,
		TxHash:      common.HexToHash(ev.TransactionHash),
		Index:       ev.LogIndex,
	}, nil
}
