// Package ingestkey resolves a presented ingest key string into a
// ResolvedTenant by HMAC-hashing it and looking the hash up in the
// org_ingest_keys table.
package ingestkey

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// KeyType distinguishes public from private ingest keys.
type KeyType int

const (
	Public KeyType = iota
	Private
)

// String renders the key type the way it is stamped onto resource
// attributes ("public"/"private").
func (t KeyType) String() string {
	if t == Public {
		return "public"
	}
	return "private"
}

// ResolvedTenant is produced by Resolve on a successful lookup. It must
// never outlive the request that produced it.
type ResolvedTenant struct {
	OrgID   string
	KeyType KeyType
	KeyID   string
}

// Resolver maps raw ingest keys to ResolvedTenant records.
type Resolver struct {
	db            *sql.DB
	lookupHMACKey []byte
}

// New constructs a Resolver backed by db, keyed by lookupHMACKey.
func New(db *sql.DB, lookupHMACKey string) *Resolver {
	return &Resolver{db: db, lookupHMACKey: []byte(lookupHMACKey)}
}

// Resolve infers the key type from its prefix, hashes it, and looks up
// the owning organization. A nil, nil return means the key was
// syntactically well-formed but not found (or its prefix is unrecognized);
// callers treat both as 401. A non-nil error means the lookup itself
// failed (translates to 503).
func (r *Resolver) Resolve(ctx context.Context, rawKey string) (*ResolvedTenant, error) {
	keyType, ok := inferKeyType(rawKey)
	if !ok {
		return nil, nil
	}

	hash := HashKey(rawKey, r.lookupHMACKey)

	column := "public_key_hash"
	if keyType == Private {
		column = "private_key_hash"
	}

	query := fmt.Sprintf("SELECT org_id FROM org_ingest_keys WHERE %s = ? LIMIT 1", column)

	var orgID string
	err := r.db.QueryRowContext(ctx, query, hash).Scan(&orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ingestkey: lookup failed: %w", err)
	}

	return &ResolvedTenant{
		OrgID:   orgID,
		KeyType: keyType,
		KeyID:   keyID(hash),
	}, nil
}

func inferKeyType(rawKey string) (KeyType, bool) {
	switch {
	case strings.HasPrefix(rawKey, "maple_pk_"):
		return Public, true
	case strings.HasPrefix(rawKey, "maple_sk_"):
		return Private, true
	default:
		return 0, false
	}
}

// HashKey computes the base64url-no-padding HMAC-SHA256 digest of rawKey
// keyed by lookupHMACKey — the value stored (and looked up) in
// org_ingest_keys.
func HashKey(rawKey string, lookupHMACKey []byte) string {
	mac := hmac.New(sha256.New, lookupHMACKey)
	mac.Write([]byte(rawKey))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// keyID derives the stable, non-sensitive correlation identifier: the
// first 16 characters of the base64url hash string itself, not 16 raw
// bytes re-encoded.
func keyID(hash string) string {
	if len(hash) <= 16 {
		return hash
	}
	return hash[:16]
}
