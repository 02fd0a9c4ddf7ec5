package indexer

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"

	"github.com/atmx/strategy-vault/internal/metrics"
	"github.com/atmx/strategy-vault/internal/model"
)

// FeedSource is an in-process append-only log. The server attaches it to its
// notification hub to drive an embedded worker from its own purchases when
// no chain is configured.
type FeedSource struct {
	contract common.Address

	mu   sync.Mutex
	logs []types.Log
	head uint64
}

// NewFeedSource creates an empty feed for contract.
func NewFeedSource(contract common.Address) *FeedSource {
	return &FeedSource{contract: contract}
}

// Append adds raw logs. Logs with block 0 land in a new block.
func (f *FeedSource) Append(logs ...types.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range logs {
		f.appendLocked(l)
	}
}

func (f *FeedSource) appendLocked(l types.Log) {
	if l.BlockNumber == 0 {
		l.BlockNumber = f.head + 1
	}
	if l.BlockNumber > f.head {
		f.head = l.BlockNumber
	}
	f.logs = append(f.logs, l)
}

// AppendPurchase encodes ev into its own block. ev must carry its
// transaction hash: block numbers restart with the feed and cannot identify
// a purchase.
func (f *FeedSource) AppendPurchase(ev model.PurchaseEvent) error {
	if ev.TransactionHash == "" {
		return fmt.Errorf("%w: purchase without transaction hash", ErrInvalidLog)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev.BlockNumber == 0 {
		ev.BlockNumber = f.head + 1
	}
	l, err := Encode(f.contract, ev)
	if err != nil {
		return err
	}
	f.appendLocked(l)
	return nil
}

// PurchaseTxHash is the synthetic transaction hash of a ledger purchase. A
// position index is never reused for a user, so the hash is stable across
// restarts and distinct per purchase.
func PurchaseTxHash(user string, strategyID int64, positionIndex int) common.Hash {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(strategyID))
	binary.BigEndian.PutUint64(buf[8:], uint64(positionIndex))
	return crypto.Keccak256Hash([]byte("strategy-vault/purchase"), []byte(strings.ToLower(user)), buf[:])
}

// Publish appends a purchase log for a purchase notification and ignores
// every other type. It runs synchronously inside the ledger's notification
// path, so no committed purchase is missed.
func (f *FeedSource) Publish(n model.Notification) {
	if n.Type != model.NotifyPurchased {
		return
	}
	err := f.AppendPurchase(model.PurchaseEvent{
		StrategyID:      n.StrategyID,
		User:            n.User,
		GrossAmount:     n.GrossAmount,
		NetAmount:       n.NetAmount,
		TransactionHash: PurchaseTxHash(n.User, n.StrategyID, n.PositionIndex).Hex(),
	})
	if err != nil {
		metrics.NotificationsDropped.WithLabelValues("feed").Inc()
		log.Warn().Err(err).Str("component", "feed").
			Int64("strategy_id", n.StrategyID).
			Str("user", n.User).
			Msg("purchase not fed")
	}
}

func (f *FeedSource) Head(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *FeedSource) Logs(_ context.Context, from, to uint64) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}
