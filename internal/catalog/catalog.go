// Package catalog holds the file metadata this node knows about, keyed by
// (content hash, owner). Records are immutable once published: the same
// content uploaded by two owners yields one hash and two records.
package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multihash"

	"github.com/cosmqc/swapbytes/internal/errs"
	"github.com/cosmqc/swapbytes/internal/protocol"
)

// Descriptor is a file offered for publication.
type Descriptor struct {
	Name        string
	Content     []byte
	Description string
}

// FileRecord is the metadata of one copy of some content.
type FileRecord struct {
	Hash        string
	Name        string
	Size        int64
	Description string
	Owner       peer.ID
	PublishedAt time.Time
}

// Wire converts the record to its directory form.
func (r FileRecord) Wire() protocol.FileCatalogRecord {
	return protocol.FileCatalogRecord{
		Hash:        r.Hash,
		Name:        r.Name,
		Size:        r.Size,
		Description: r.Description,
		Owner:       r.Owner.String(),
		PublishedAt: r.PublishedAt.UnixNano(),
	}
}

// FromWire parses a directory record.
func FromWire(w protocol.FileCatalogRecord) (FileRecord, error) {
	if !protocol.ValidHash(w.Hash) {
		return FileRecord{}, fmt.Errorf("invalid hash %q", w.Hash)
	}
	owner, err := peer.Decode(w.Owner)
	if err != nil {
		return FileRecord{}, fmt.Errorf("invalid owner %q: %w", w.Owner, err)
	}
	if w.Size < 0 {
		return FileRecord{}, fmt.Errorf("negative size %d", w.Size)
	}
	return FileRecord{
		Hash:        w.Hash,
		Name:        w.Name,
		Size:        w.Size,
		Description: w.Description,
		Owner:       owner,
		PublishedAt: time.Unix(0, w.PublishedAt),
	}, nil
}

// Publisher pushes local records out to the distributed directory.
// Implementations must not block.
type Publisher interface {
	PublishRecord(rec FileRecord)
	PublishIndex(owner peer.ID, hashes []string)
}

// ContentHash returns the hex sha2-256 digest of b.
func ContentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ContentCID wraps a content hash as a raw CIDv1, used for provider records.
func ContentCID(hash string) (cid.Cid, error) {
	if !protocol.ValidHash(hash) {
		return cid.Undef, errs.Newf(errs.CodeInvalidArgument, "invalid content hash %q", hash)
	}
	digest, _ := hex.DecodeString(hash)
	mh, err := multihash.Encode(digest, multihash.SHA2_256)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to encode multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// HashFromCID is the inverse of ContentCID.
func HashFromCID(c cid.Cid) (string, error) {
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return "", fmt.Errorf("failed to decode multihash: %w", err)
	}
	if decoded.Code != multihash.SHA2_256 {
		return "", fmt.Errorf("unexpected hash function %s", multihash.Codes[decoded.Code])
	}
	return hex.EncodeToString(decoded.Digest), nil
}

// Catalog is the local view of the file directory. It is owned by the
// event loop and is not safe for concurrent use.
type Catalog struct {
	self    peer.ID
	pub     Publisher
	clk     clock.Clock
	records map[string]map[peer.ID]FileRecord
	content map[string][]byte
}

// New creates an empty catalog. pub may be nil.
func New(self peer.ID, pub Publisher, clk clock.Clock) *Catalog {
	if clk == nil {
		clk = clock.New()
	}
	return &Catalog{
		self:    self,
		pub:     pub,
		clk:     clk,
		records: make(map[string]map[peer.ID]FileRecord),
		content: make(map[string][]byte),
	}
}

// Publish records desc as owned by owner and returns its content hash.
// Publishing the same content again for the same owner returns the same
// hash and leaves the original record untouched.
func (c *Catalog) Publish(owner peer.ID, desc Descriptor) (string, error) {
	if desc.Name == "" {
		return "", errs.New(errs.CodeInvalidArgument, "file name is required")
	}
	hash := ContentHash(desc.Content)
	if owner == c.self {
		if _, ok := c.content[hash]; !ok {
			c.content[hash] = desc.Content
		}
	}
	if _, exists := c.Get(hash, owner); exists {
		return hash, nil
	}

	rec := FileRecord{
		Hash:        hash,
		Name:        desc.Name,
		Size:        int64(len(desc.Content)),
		Description: desc.Description,
		Owner:       owner,
		PublishedAt: c.clk.Now(),
	}
	c.insert(rec)

	if c.pub != nil {
		c.pub.PublishRecord(rec)
		c.pub.PublishIndex(owner, c.Hashes(owner))
	}
	return hash, nil
}

// Merge inserts a record learned from the directory if no record for its
// (hash, owner) exists yet. It reports whether the record was new.
func (c *Catalog) Merge(rec FileRecord) bool {
	if !protocol.ValidHash(rec.Hash) || rec.Owner == "" {
		return false
	}
	if _, exists := c.Get(rec.Hash, rec.Owner); exists {
		return false
	}
	c.insert(rec)
	return true
}

func (c *Catalog) insert(rec FileRecord) {
	owners, ok := c.records[rec.Hash]
	if !ok {
		owners = make(map[peer.ID]FileRecord)
		c.records[rec.Hash] = owners
	}
	owners[rec.Owner] = rec
}

// Lookup returns every known copy of hash, ordered by owner.
func (c *Catalog) Lookup(hash string) ([]FileRecord, error) {
	owners := c.records[hash]
	if len(owners) == 0 {
		return nil, errs.Newf(errs.CodeNotFound, "no file with hash %s", hash)
	}
	out := make([]FileRecord, 0, len(owners))
	for _, rec := range owners {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out, nil
}

// Get returns the record of hash held by owner.
func (c *Catalog) Get(hash string, owner peer.ID) (FileRecord, bool) {
	rec, ok := c.records[hash][owner]
	return rec, ok
}

// Owns reports whether owner is known to hold hash.
func (c *Catalog) Owns(owner peer.ID, hash string) bool {
	_, ok := c.Get(hash, owner)
	return ok
}

// LocalContent returns the bytes of a file published by this node.
func (c *Catalog) LocalContent(hash string) ([]byte, bool) {
	b, ok := c.content[hash]
	return b, ok
}

// ListGroupedByOwner returns every record grouped by owner, each group
// ordered by name then hash.
func (c *Catalog) ListGroupedByOwner() map[peer.ID][]FileRecord {
	out := make(map[peer.ID][]FileRecord)
	for _, owners := range c.records {
		for owner, rec := range owners {
			out[owner] = append(out[owner], rec)
		}
	}
	for _, recs := range out {
		sort.Slice(recs, func(i, j int) bool {
			if recs[i].Name != recs[j].Name {
				return recs[i].Name < recs[j].Name
			}
			return recs[i].Hash < recs[j].Hash
		})
	}
	return out
}

// Owners returns every owner with at least one record, sorted.
func (c *Catalog) Owners() []peer.ID {
	seen := make(map[peer.ID]struct{})
	for _, owners := range c.records {
		for owner := range owners {
			seen[owner] = struct{}{}
		}
	}
	out := make([]peer.ID, 0, len(seen))
	for owner := range seen {
		out = append(out, owner)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Hashes returns the sorted hashes held by owner.
func (c *Catalog) Hashes(owner peer.ID) []string {
	var out []string
	for hash, owners := range c.records {
		if _, ok := owners[owner]; ok {
			out = append(out, hash)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of (hash, owner) records.
func (c *Catalog) Len() int {
	n := 0
	for _, owners := range c.records {
		n += len(owners)
	}
	return n
}
