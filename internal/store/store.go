// Package store holds connection metadata shared by every broker instance.
//
// Records are keyed by handle id under the "conn:" prefix and expire after a
// TTL that callers refresh on use. Only encrypted configuration is ever
// written; live sessions stay in process memory.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gluk-w/claworc/ftpbroker/internal/crypto"
)

// KeyPrefix namespaces connection records.
const KeyPrefix = "conn:"

// ErrNotFound is returned by Get when no record exists for the id.
var ErrNotFound = errors.New("store: record not found")

// ErrCorrupt is returned by Get when a record exists but cannot be decoded.
// The store itself is healthy.
var ErrCorrupt = errors.New("store: record is corrupt")

// Record is the persisted form of a connection handle.
type Record struct {
	OwnerID         string        `json:"ownerId"`
	EncryptedConfig crypto.Bundle `json:"encryptedConfig"`
	// CreatedAt and LastUsedAt are unix milliseconds.
	CreatedAt  int64  `json:"createdAt"`
	LastUsedAt int64  `json:"lastUsedAt"`
	Status     string `json:"status"`
}

// Item pairs a record with its handle id.
type Item struct {
	ID     string
	Record Record
}

// Store is a shared, TTL-capable key/value cache of connection records.
type Store interface {
	Get(ctx context.Context, id string) (*Record, error)
	// Put writes rec and (re)sets its TTL.
	Put(ctx context.Context, id string, rec *Record, ttl time.Duration) error
	// Delete removes the record. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error
	// List returns every record owned by ownerID.
	List(ctx context.Context, ownerID string) ([]Item, error)
	Ping(ctx context.Context) error
	Close() error
}

// Key returns the store key for a handle id.
func Key(id string) string { return KeyPrefix + id }

// IDFromKey strips KeyPrefix.
func IDFromKey(key string) string { return strings.TrimPrefix(key, KeyPrefix) }

// Millis converts t to unix milliseconds.
func Millis(t time.Time) int64 { return t.UnixMilli() }

// Time converts unix milliseconds to a time.Time.
func Time(ms int64) time.Time { return time.UnixMilli(ms) }
