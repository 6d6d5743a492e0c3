package protocol

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	record "github.com/libp2p/go-libp2p-record"
	"github.com/libp2p/go-libp2p/core/peer"
)

// RecordNamespace is the DHT key namespace for swapbytes records.
const RecordNamespace = "swapbytes"

const (
	filePrefix  = "/" + RecordNamespace + "/file/"
	indexPrefix = "/" + RecordNamespace + "/index/"
)

// HashLength is the length of a hex-encoded sha2-256 content hash.
const HashLength = 64

// FileRecordKey is the directory key of one (hash, owner) record.
func FileRecordKey(hash string, owner peer.ID) string {
	return filePrefix + hash + "/" + owner.String()
}

// FileIndexKey is the directory key listing an owner's hashes.
func FileIndexKey(owner peer.ID) string {
	return indexPrefix + owner.String()
}

// ValidHash reports whether s looks like a content hash.
func ValidHash(s string) bool {
	if len(s) != HashLength || strings.ToLower(s) != s {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// RecordValidator validates /swapbytes/ directory records.
// File records are immutable, so the earliest publication wins;
// indexes are replaced, so the newest wins.
type RecordValidator struct{}

var _ record.Validator = RecordValidator{}

// Validate checks that the value matches the key it is stored under.
func (RecordValidator) Validate(key string, value []byte) error {
	switch {
	case strings.HasPrefix(key, filePrefix):
		rest := strings.TrimPrefix(key, filePrefix)
		hash, owner, ok := strings.Cut(rest, "/")
		if !ok || !ValidHash(hash) {
			return fmt.Errorf("malformed file record key %q", key)
		}
		var rec FileCatalogRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("malformed file record: %w", err)
		}
		if rec.Hash != hash || rec.Owner != owner {
			return fmt.Errorf("file record does not match key %q", key)
		}
		if rec.Size < 0 {
			return fmt.Errorf("file record has negative size")
		}
		return nil

	case strings.HasPrefix(key, indexPrefix):
		owner := strings.TrimPrefix(key, indexPrefix)
		var idx FileIndex
		if err := json.Unmarshal(value, &idx); err != nil {
			return fmt.Errorf("malformed file index: %w", err)
		}
		if idx.Owner != owner {
			return fmt.Errorf("file index does not match key %q", key)
		}
		for _, h := range idx.Hashes {
			if !ValidHash(h) {
				return fmt.Errorf("file index contains invalid hash %q", h)
			}
		}
		return nil
	}
	return fmt.Errorf("unknown record key %q", key)
}

// Select picks the best of several valid values for the same key.
func (RecordValidator) Select(key string, values [][]byte) (int, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("no values for %q", key)
	}
	best, bestStamp, found := 0, int64(0), false
	isIndex := strings.HasPrefix(key, indexPrefix)
	for i, v := range values {
		var stamp int64
		if isIndex {
			var idx FileIndex
			if err := json.Unmarshal(v, &idx); err != nil {
				continue
			}
			stamp = idx.UpdatedAt
		} else {
			var rec FileCatalogRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			stamp = rec.PublishedAt
		}
		switch {
		case !found:
			best, bestStamp, found = i, stamp, true
		case isIndex && stamp > bestStamp:
			best, bestStamp = i, stamp
		case !isIndex && stamp < bestStamp:
			best, bestStamp = i, stamp
		}
	}
	return best, nil
}
