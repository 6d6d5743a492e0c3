package node

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/cosmqc/swapbytes/internal/catalog"
	"github.com/cosmqc/swapbytes/internal/errs"
	"github.com/cosmqc/swapbytes/internal/protocol"
)

// query is a command waiting on directory lookups. It finishes when every
// lookup it started, and every follow-up those triggered, has settled, or
// when its deadline passes.
type query struct {
	outstanding int
	deadline    time.Time
	finished    bool
	finish      func(timedOut bool)
}

// lookups tracks in-flight record and provider requests and the queries
// waiting on them. A key requested twice is fetched once.
type lookups struct {
	records   map[string][]*query
	providers map[string][]*query // by content hash
	queries   []*query
}

func newLookups() *lookups {
	return &lookups{
		records:   make(map[string][]*query),
		providers: make(map[string][]*query),
	}
}

func (l *lookups) track(q *query) {
	l.queries = append(l.queries, q)
}

func (l *lookups) done(q *query, timedOut bool) {
	if q.finished {
		return
	}
	q.finished = true
	for i, other := range l.queries {
		if other == q {
			l.queries = append(l.queries[:i], l.queries[i+1:]...)
			break
		}
	}
	q.finish(timedOut)
}

func (l *lookups) settle(qs []*query) {
	for _, q := range qs {
		q.outstanding--
		if q.outstanding <= 0 {
			l.done(q, false)
		}
	}
}

// expire finishes every query whose deadline has passed.
func (l *lookups) expire(now time.Time) {
	for _, q := range append([]*query(nil), l.queries...) {
		if !now.Before(q.deadline) {
			l.done(q, true)
		}
	}
}

// abandon finishes every query as timed out.
func (l *lookups) abandon() {
	for _, q := range append([]*query(nil), l.queries...) {
		l.done(q, true)
	}
}

// newQuery starts tracking a query. Call start once every initial lookup
// has been issued.
func (n *Node) newQuery(finish func(timedOut bool)) *query {
	q := &query{deadline: n.clk.Now().Add(n.cfg.LookupTimeout), finish: finish}
	n.lookups.track(q)
	return q
}

func (n *Node) start(q *query) {
	if q.outstanding == 0 {
		n.lookups.done(q, false)
	}
}

func live(qs []*query) []*query {
	out := qs[:0:0]
	for _, q := range qs {
		if q != nil && !q.finished {
			out = append(out, q)
		}
	}
	return out
}

// fetchRecord requests key from the directory on behalf of qs.
func (n *Node) fetchRecord(key string, qs ...*query) {
	qs = live(qs)
	waiters, inflight := n.lookups.records[key]
	for _, q := range qs {
		q.outstanding++
	}
	n.lookups.records[key] = append(waiters, qs...)
	if !inflight {
		n.adapter.GetRecord(key)
	}
}

// findProviders looks up every holder of hash on behalf of qs.
func (n *Node) findProviders(hash string, qs ...*query) {
	c, err := catalog.ContentCID(hash)
	if err != nil {
		return
	}
	qs = live(qs)
	waiters, inflight := n.lookups.providers[hash]
	for _, q := range qs {
		q.outstanding++
	}
	n.lookups.providers[hash] = append(waiters, qs...)
	if !inflight {
		n.adapter.FindProviders(c)
	}
}

// refreshIndexes re-reads the file index of every live peer.
func (n *Node) refreshIndexes(q *query) {
	for _, id := range n.dir.Live() {
		n.fetchRecord(protocol.FileIndexKey(id), q)
	}
}

var (
	fileKeyPrefix  = "/" + protocol.RecordNamespace + "/file/"
	indexKeyPrefix = "/" + protocol.RecordNamespace + "/index/"
)

// handleRecord merges a directory result and issues follow-up lookups for
// the queries that were waiting on it.
func (n *Node) handleRecord(key string, value []byte, lookupErr error) {
	waiters := n.lookups.records[key]
	delete(n.lookups.records, key)
	waiters = live(waiters)

	switch {
	case lookupErr != nil:
		n.log.Debug("record lookup failed", zap.String("key", key), zap.Error(lookupErr))

	case protocol.RecordValidator{}.Validate(key, value) != nil:
		n.log.Debug("dropping invalid record", zap.String("key", key))

	case strings.HasPrefix(key, fileKeyPrefix):
		var w protocol.FileCatalogRecord
		if err := json.Unmarshal(value, &w); err != nil {
			break
		}
		rec, err := catalog.FromWire(w)
		if err != nil {
			break
		}
		if n.cat.Merge(rec) {
			n.log.Debug("learned file", zap.String("hash", rec.Hash), zap.Stringer("owner", rec.Owner))
		}

	case strings.HasPrefix(key, indexKeyPrefix):
		var idx protocol.FileIndex
		if err := json.Unmarshal(value, &idx); err != nil {
			break
		}
		owner, err := peer.Decode(idx.Owner)
		if err != nil || owner == n.self {
			break
		}
		for _, hash := range idx.Hashes {
			if _, known := n.cat.Get(hash, owner); !known {
				n.fetchRecord(protocol.FileRecordKey(hash, owner), waiters...)
			}
		}
	}

	n.lookups.settle(waiters)
}

func (n *Node) handleProviders(c cid.Cid, providers []peer.ID) {
	hash, err := catalog.HashFromCID(c)
	if err != nil {
		return
	}
	waiters := live(n.lookups.providers[hash])
	delete(n.lookups.providers, hash)

	for _, p := range providers {
		if p == n.self {
			continue
		}
		if _, known := n.cat.Get(hash, p); !known {
			n.fetchRecord(protocol.FileRecordKey(hash, p), waiters...)
		}
	}
	n.lookups.settle(waiters)
}

func lookupTimeoutErr(what string) error {
	return errs.Newf(errs.CodeTimeout, "%s did not answer in time", what)
}
