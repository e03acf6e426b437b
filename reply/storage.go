// storage.go - persistence interfaces for reply-SURBs and reply keys.
// Copyright (C) 2018  masala, David Stainton.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package reply

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/nymtech/nym-sub004/types"
	"github.com/nymtech/nym-sub004/xerrors"
)

// SurbsStorage is the per-recipient reply-SURB store. Implementations
// must be safe for concurrent use; the controller calls into it from its
// single event loop goroutine but tests and alternate backends may not
// preserve that property.
type SurbsStorage interface {
	// GetReplySurbs returns exactly n SURBs for recipient, consuming them, or
	// an error if fewer than the minimum reply-SURB threshold would remain.
	GetReplySurbs(recipient types.AnonymousSenderTag, n int) ([]types.ReplySURB, error)
	// GetReplySurbIgnoringThreshold pops a single SURB regardless of the
	// minimum threshold, used when there is no alternative.
	GetReplySurbIgnoringThreshold(recipient types.AnonymousSenderTag) (types.ReplySURB, error)
	// InsertSurbs adds freshly received SURBs to recipient's pool.
	InsertSurbs(recipient types.AnonymousSenderTag, surbs []types.ReplySURB)
	// Len reports how many SURBs are currently stored for recipient.
	Len(recipient types.AnonymousSenderTag) int
	// IncrementPendingReception records one more requested SURB not yet received.
	IncrementPendingReception(recipient types.AnonymousSenderTag)
	// DecrementPendingReception records one requested SURB as received.
	DecrementPendingReception(recipient types.AnonymousSenderTag)
	// PendingReception reports how many requested SURBs have not yet arrived.
	PendingReception(recipient types.AnonymousSenderTag) uint32
	// ResetPendingReception zeroes the count of requested-but-unreceived SURBs.
	ResetPendingReception(recipient types.AnonymousSenderTag)
	// ResetSurbsLastReceivedAt stamps the last-received time to now.
	ResetSurbsLastReceivedAt(recipient types.AnonymousSenderTag)
	// LastReceivedAt returns the last time SURBs arrived for recipient.
	LastReceivedAt(recipient types.AnonymousSenderTag) (time.Time, bool)
	// ContainsSurbsFor reports whether recipient has any entry at all.
	ContainsSurbsFor(recipient types.AnonymousSenderTag) bool
	// Remove drops all state associated with recipient.
	Remove(recipient types.AnonymousSenderTag)
	// Recipients lists every recipient with a live entry, used by the
	// periodic stale-inspection and invalidation tasks.
	Recipients() []types.AnonymousSenderTag
}

// ReplyKeysStorage tracks the decryption keys matching outstanding reply
// requests so late replies using an expired key can still be dropped
// cleanly instead of failing to decrypt silently.
type ReplyKeysStorage interface {
	Insert(tag types.AnonymousSenderTag, key []byte, age time.Time)
	Get(tag types.AnonymousSenderTag) ([]byte, bool)
	Remove(tag types.AnonymousSenderTag)
}

type surbEntry struct {
	mu               sync.Mutex
	recipient        types.AnonymousSenderTag
	surbs            []types.ReplySURB
	pendingReception uint32
	lastReceivedAt   time.Time
}

// memSurbsStorage is an in-memory SurbsStorage backed by patrickmn/go-cache,
// whose TTL expiry model keeps idle recipients bounded without a sweeper of
// our own.
type memSurbsStorage struct {
	cache        *gocache.Cache
	minThreshold int
	mu           sync.Mutex
}

// NewMemSurbsStorage builds a SurbsStorage that expires idle recipients
// after expiry and enforces minThreshold as the minimum reply-SURB count
// GetReplySurbs will leave behind.
func NewMemSurbsStorage(expiry time.Duration, minThreshold int) SurbsStorage {
	return &memSurbsStorage{
		cache:        gocache.New(expiry, expiry/2),
		minThreshold: minThreshold,
	}
}

func (s *memSurbsStorage) entry(recipient types.AnonymousSenderTag) *surbEntry {
	key := recipient.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.cache.Get(key); ok {
		return v.(*surbEntry)
	}
	e := &surbEntry{recipient: recipient}
	s.cache.SetDefault(key, e)
	return e
}

func (s *memSurbsStorage) GetReplySurbs(recipient types.AnonymousSenderTag, n int) ([]types.ReplySURB, error) {
	e := s.entry(recipient)
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.surbs)-n < s.minThreshold {
		return nil, &xerrors.NotEnoughSurbsError{Available: len(e.surbs), Required: n}
	}
	taken := e.surbs[:n]
	e.surbs = e.surbs[n:]
	return taken, nil
}

func (s *memSurbsStorage) GetReplySurbIgnoringThreshold(recipient types.AnonymousSenderTag) (types.ReplySURB, error) {
	e := s.entry(recipient)
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.surbs) == 0 {
		return types.ReplySURB{}, &xerrors.NotEnoughSurbsError{Available: 0, Required: 1}
	}
	surb := e.surbs[0]
	e.surbs = e.surbs[1:]
	return surb, nil
}

func (s *memSurbsStorage) InsertSurbs(recipient types.AnonymousSenderTag, surbs []types.ReplySURB) {
	e := s.entry(recipient)
	e.mu.Lock()
	e.surbs = append(e.surbs, surbs...)
	e.lastReceivedAt = time.Now()
	e.mu.Unlock()

	// Receiving SURBs ends the recipient's idle period: restart its expiry.
	s.mu.Lock()
	s.cache.SetDefault(recipient.String(), e)
	s.mu.Unlock()
}

func (s *memSurbsStorage) Len(recipient types.AnonymousSenderTag) int {
	e := s.entry(recipient)
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.surbs)
}

func (s *memSurbsStorage) IncrementPendingReception(recipient types.AnonymousSenderTag) {
	e := s.entry(recipient)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingReception++
}

func (s *memSurbsStorage) DecrementPendingReception(recipient types.AnonymousSenderTag) {
	e := s.entry(recipient)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pendingReception > 0 {
		e.pendingReception--
	}
}

func (s *memSurbsStorage) PendingReception(recipient types.AnonymousSenderTag) uint32 {
	e := s.entry(recipient)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingReception
}

func (s *memSurbsStorage) ResetPendingReception(recipient types.AnonymousSenderTag) {
	e := s.entry(recipient)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingReception = 0
}

func (s *memSurbsStorage) ResetSurbsLastReceivedAt(recipient types.AnonymousSenderTag) {
	e := s.entry(recipient)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastReceivedAt = time.Now()
}

func (s *memSurbsStorage) LastReceivedAt(recipient types.AnonymousSenderTag) (time.Time, bool) {
	e := s.entry(recipient)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastReceivedAt.IsZero() {
		return time.Time{}, false
	}
	return e.lastReceivedAt, true
}

func (s *memSurbsStorage) ContainsSurbsFor(recipient types.AnonymousSenderTag) bool {
	s.mu.Lock()
	_, ok := s.cache.Get(recipient.String())
	s.mu.Unlock()
	return ok
}

func (s *memSurbsStorage) Remove(recipient types.AnonymousSenderTag) {
	s.mu.Lock()
	s.cache.Delete(recipient.String())
	s.mu.Unlock()
}

func (s *memSurbsStorage) Recipients() []types.AnonymousSenderTag {
	s.mu.Lock()
	items := s.cache.Items()
	s.mu.Unlock()
	out := make([]types.AnonymousSenderTag, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(*surbEntry).recipient)
	}
	return out
}

// memReplyKeysStorage is an in-memory ReplyKeysStorage, also go-cache backed
// so keys expire alongside the SURBs they correspond to.
type memReplyKeysStorage struct {
	cache *gocache.Cache
}

// NewMemReplyKeysStorage builds a ReplyKeysStorage with the given key TTL.
func NewMemReplyKeysStorage(expiry time.Duration) ReplyKeysStorage {
	return &memReplyKeysStorage{cache: gocache.New(expiry, expiry/2)}
}

func (s *memReplyKeysStorage) Insert(tag types.AnonymousSenderTag, key []byte, age time.Time) {
	s.cache.SetDefault(tag.String(), key)
}

func (s *memReplyKeysStorage) Get(tag types.AnonymousSenderTag) ([]byte, bool) {
	v, ok := s.cache.Get(tag.String())
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

func (s *memReplyKeysStorage) Remove(tag types.AnonymousSenderTag) {
	s.cache.Delete(tag.String())
}
