// Package storage provides the BadgerHold-backed commentary cache. The
// store runs badger in in-memory mode: nothing survives the process, which
// is all the durability this system wants.
package storage

import (
	"context"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/mstrand/appraise/internal/common"
	"github.com/mstrand/appraise/internal/interfaces"
)

// CommentaryEntry is one cached commentary keyed by content hash.
type CommentaryEntry struct {
	Hash      string `badgerhold:"key"`
	Symbol    string
	Text      string
	Model     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// CommentaryStore caches generated commentary in BadgerHold.
type CommentaryStore struct {
	db     *badgerhold.Store
	logger *common.Logger
	now    func() time.Time
}

// NewCommentaryStore opens an in-memory BadgerHold store.
func NewCommentaryStore(logger *common.Logger) (*CommentaryStore, error) {
	options := badgerhold.DefaultOptions
	options.InMemory = true
	options.Logger = nil // Disable default badger logger

	db, err := badgerhold.Open(options)
	if err != nil {
		return nil, err
	}

	logger.Debug().Msg("Commentary store opened")

	return &CommentaryStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Get returns the cached text and model for hash. A hit past its expiry is
// a miss.
func (s *CommentaryStore) Get(_ context.Context, hash string) (string, string, bool, error) {
	var entry CommentaryEntry
	err := s.db.Get(hash, &entry)
	if err != nil {
		if err == badgerhold.ErrNotFound {
			return "", "", false, nil
		}
		return "", "", false, err
	}
	if s.now().After(entry.ExpiresAt) {
		return "", "", false, nil
	}
	return entry.Text, entry.Model, true, nil
}

// Put upserts a commentary entry with the given TTL.
func (s *CommentaryStore) Put(_ context.Context, hash, symbol, text, model string, ttl time.Duration) error {
	now := s.now()
	entry := CommentaryEntry{
		Hash:      hash,
		Symbol:    symbol,
		Text:      text,
		Model:     model,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	return s.db.Upsert(hash, &entry)
}

// Purge removes expired entries.
func (s *CommentaryStore) Purge(_ context.Context) error {
	return s.db.DeleteMatching(&CommentaryEntry{},
		badgerhold.Where("ExpiresAt").Lt(s.now()))
}

// Close closes the store.
func (s *CommentaryStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ensure CommentaryStore implements the contract
var _ interfaces.CommentaryStore = (*CommentaryStore)(nil)
