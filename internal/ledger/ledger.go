package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/openmarketlabs/credits-engine/internal/credit"
)

// Store tracks per-voucher consumption, revocations, the consumer deny
// list, and one-time custom-call authorization claims. All state lives in
// Redis; monotonic increments to consumed amounts are staged in a Batch
// and committed in one transaction so a failed redemption never leaves
// partial consumption behind.
type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func consumedKey(sigHash common.Hash) string {
	return fmt.Sprintf(credit.ConsumedKeyFmt, sigHash.Hex())
}

func revokedKey(sigHash common.Hash) string {
	return fmt.Sprintf(credit.RevokedKeyFmt, sigHash.Hex())
}

func deniedKey(addr common.Address) string {
	return fmt.Sprintf(credit.DeniedKeyFmt, strings.ToLower(addr.Hex()))
}

func usedSigKey(sigHash common.Hash) string {
	return fmt.Sprintf(credit.UsedSigKeyFmt, sigHash.Hex())
}

// Consumed returns the cumulative amount consumed for a voucher signature.
func (s *Store) Consumed(ctx context.Context, sigHash common.Hash) (*big.Int, error) {
	raw, err := s.rdb.Get(ctx, consumedKey(sigHash)).Result()
	if err == redis.Nil {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get consumed: %w", err)
	}
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt consumed amount for %s: %q", sigHash.Hex(), raw)
	}
	return n, nil
}

// Remaining returns value - consumed, floored at zero.
func (s *Store) Remaining(ctx context.Context, sigHash common.Hash, value *big.Int) (*big.Int, error) {
	consumed, err := s.Consumed(ctx, sigHash)
	if err != nil {
		return nil, err
	}
	rem := new(big.Int).Sub(value, consumed)
	if rem.Sign() < 0 {
		rem.SetInt64(0)
	}
	return rem, nil
}

// Revoke permanently blocks future consumption of a voucher. Already
// consumed amounts are untouched.
func (s *Store) Revoke(ctx context.Context, sigHash common.Hash) error {
	return s.rdb.Set(ctx, revokedKey(sigHash), 1, 0).Err()
}

func (s *Store) IsRevoked(ctx context.Context, sigHash common.Hash) (bool, error) {
	n, err := s.rdb.Exists(ctx, revokedKey(sigHash)).Result()
	if err != nil {
		return false, fmt.Errorf("check revoked: %w", err)
	}
	return n > 0, nil
}

// SetDenied flips the per-consumer kill switch.
func (s *Store) SetDenied(ctx context.Context, addr common.Address, denied bool) error {
	if denied {
		return s.rdb.Set(ctx, deniedKey(addr), 1, 0).Err()
	}
	return s.rdb.Del(ctx, deniedKey(addr)).Err()
}

func (s *Store) IsDenied(ctx context.Context, addr common.Address) (bool, error) {
	n, err := s.rdb.Exists(ctx, deniedKey(addr)).Result()
	if err != nil {
		return false, fmt.Errorf("check denied: %w", err)
	}
	return n > 0, nil
}

// ClaimCallSig marks a custom-call authorization as used. The claim is
// taken with SETNX *before* the external call executes, closing the
// reentrancy window; returns false if the signature was already used.
func (s *Store) ClaimCallSig(ctx context.Context, sigHash common.Hash) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, usedSigKey(sigHash), 1, 0).Result()
	if err != nil {
		return false, fmt.Errorf("claim call sig: %w", err)
	}
	return ok, nil
}

// ReleaseCallSig undoes a claim taken by ClaimCallSig when the redemption
// aborts for an unrelated reason, preserving all-or-nothing semantics.
func (s *Store) ReleaseCallSig(ctx context.Context, sigHash common.Hash) error {
	return s.rdb.Del(ctx, usedSigKey(sigHash)).Err()
}

// RevokeCallSig burns a custom-call authorization administratively, using
// the same used-signature slot the claim path checks.
func (s *Store) RevokeCallSig(ctx context.Context, sigHash common.Hash) error {
	return s.rdb.Set(ctx, usedSigKey(sigHash), 1, 0).Err()
}

func (s *Store) IsCallSigUsed(ctx context.Context, sigHash common.Hash) (bool, error) {
	n, err := s.rdb.Exists(ctx, usedSigKey(sigHash)).Result()
	if err != nil {
		return false, fmt.Errorf("check call sig: %w", err)
	}
	return n > 0, nil
}

func allowedKey(target common.Address, selector [4]byte) string {
	return fmt.Sprintf(credit.AllowedKeyFmt, strings.ToLower(target.Hex()), hex.EncodeToString(selector[:]))
}

// SetCallAllowed manages the admin-curated (target, selector) allow-list
// consulted for custom external calls.
func (s *Store) SetCallAllowed(ctx context.Context, target common.Address, selector [4]byte, allowed bool) error {
	if allowed {
		return s.rdb.Set(ctx, allowedKey(target, selector), 1, 0).Err()
	}
	return s.rdb.Del(ctx, allowedKey(target, selector)).Err()
}

func (s *Store) IsCallAllowed(ctx context.Context, target common.Address, selector [4]byte) (bool, error) {
	n, err := s.rdb.Exists(ctx, allowedKey(target, selector)).Result()
	if err != nil {
		return false, fmt.Errorf("check call allowed: %w", err)
	}
	return n > 0, nil
}

// AppendEvent pushes a serialized audit event directly, outside any batch.
// Admin actions use this; redemptions stage events through Batch instead.
func (s *Store) AppendEvent(ctx context.Context, raw []byte) error {
	if err := s.rdb.RPush(ctx, credit.EventQueueKey, string(raw)).Err(); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// PopEvent removes and returns the oldest queued audit event. Returns
// redis.Nil when the queue is empty.
func (s *Store) PopEvent(ctx context.Context) ([]byte, error) {
	raw, err := s.rdb.LPop(ctx, credit.EventQueueKey).Bytes()
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// RecentEvents returns up to n of the most recent archived events, oldest
// first. The archive is populated by the audit worker.
func (s *Store) RecentEvents(ctx context.Context, n int64) ([]string, error) {
	events, err := s.rdb.LRange(ctx, credit.EventArchiveKey, -n, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read event archive: %w", err)
	}
	return events, nil
}

// Batch stages ledger writes for a single redemption. Nothing touches
// Redis until Commit, which applies every staged write in one MULTI/EXEC.
// Amounts are staged as absolute totals (not deltas) computed under the
// engine's serialization guard, so a plain SET is safe and big.Int values
// never have to fit Redis integer arithmetic.
type Batch struct {
	store  *Store
	sets   []stagedSet
	events [][]byte
}

type stagedSet struct {
	key   string
	value string
}

func (s *Store) NewBatch() *Batch {
	return &Batch{store: s}
}

// StageConsumed records a voucher's new cumulative consumed total.
func (b *Batch) StageConsumed(sigHash common.Hash, newTotal *big.Int) {
	b.sets = append(b.sets, stagedSet{key: consumedKey(sigHash), value: newTotal.String()})
}

// StageSet records an arbitrary key write (used by the rate limiter).
func (b *Batch) StageSet(key, value string) {
	b.sets = append(b.sets, stagedSet{key: key, value: value})
}

// StageEvent appends a serialized audit event to the event queue at commit.
func (b *Batch) StageEvent(raw []byte) {
	b.events = append(b.events, raw)
}

// Commit applies all staged writes atomically.
func (b *Batch) Commit(ctx context.Context) error {
	pipe := b.store.rdb.TxPipeline()
	for _, s := range b.sets {
		pipe.Set(ctx, s.key, s.value, 0)
	}
	for _, e := range b.events {
		pipe.RPush(ctx, credit.EventQueueKey, string(e))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("commit ledger batch: %w", err)
	}
	return nil
}
