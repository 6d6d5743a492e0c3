// Package directory tracks the peers this node knows about: their
// advisory nicknames, when they were last seen, and whether a live
// connection to them exists.
//
// A Directory is owned by the event loop and is not safe for concurrent use.
package directory

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/cosmqc/swapbytes/internal/errs"
)

// SuffixLength is the number of identity characters used to tell apart
// peers sharing a nickname.
const SuffixLength = 6

// ConnState is the connection status of a known peer.
type ConnState int

const (
	Discovered ConnState = iota
	Connected
	Disconnected
)

func (s ConnState) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// Live reports whether a peer in this state can be addressed by nickname.
func (s ConnState) Live() bool {
	return s == Discovered || s == Connected
}

// PeerRecord is everything known about one peer.
type PeerRecord struct {
	ID        peer.ID
	Nickname  string
	NickStamp time.Time // sender timestamp of the announcement that set Nickname
	LastSeen  time.Time
	State     ConnState
}

// Directory maps identities to nicknames and connection states.
type Directory struct {
	self  peer.ID
	clk   clock.Clock
	peers map[peer.ID]*PeerRecord
}

// New creates an empty directory for the local identity self.
func New(self peer.ID, clk clock.Clock) *Directory {
	if clk == nil {
		clk = clock.New()
	}
	return &Directory{
		self:  self,
		clk:   clk,
		peers: make(map[peer.ID]*PeerRecord),
	}
}

// Upsert records that id was heard from. LastSeen is always refreshed.
// A non-empty nickname replaces the stored one unless the stored one was
// announced strictly later; equal stamps go to the update that arrived last.
// Discovered never downgrades a Connected peer.
// The returned bool reports whether the record was created.
func (d *Directory) Upsert(id peer.ID, nickname string, announcedAt time.Time, state ConnState) (PeerRecord, bool) {
	if id == d.self || id == "" {
		return PeerRecord{}, false
	}
	rec, ok := d.peers[id]
	if !ok {
		rec = &PeerRecord{ID: id, State: state}
		d.peers[id] = rec
	}
	rec.LastSeen = d.clk.Now()

	if nickname != "" && !announcedAt.Before(rec.NickStamp) {
		rec.Nickname = nickname
		rec.NickStamp = announcedAt
	}

	if ok && !(state == Discovered && rec.State == Connected) {
		rec.State = state
	}
	return *rec, !ok
}

// SetState changes the connection state of a known peer.
// Unknown peers are ignored.
func (d *Directory) SetState(id peer.ID, state ConnState) {
	rec, ok := d.peers[id]
	if !ok {
		return
	}
	rec.State = state
	rec.LastSeen = d.clk.Now()
}

// Get returns the record for id.
func (d *Directory) Get(id peer.ID) (PeerRecord, bool) {
	rec, ok := d.peers[id]
	if !ok {
		return PeerRecord{}, false
	}
	return *rec, true
}

// Resolve maps a user-supplied name to a live peer. The name may be a
// nickname, a disambiguated "nick#suffix" as printed by DisplayName, or a
// full identity string.
func (d *Directory) Resolve(name string) (peer.ID, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errs.New(errs.CodeInvalidArgument, "empty nickname")
	}

	if id, err := peer.Decode(name); err == nil {
		if rec, ok := d.peers[id]; ok && rec.State.Live() {
			return id, nil
		}
	}

	nick, suffix, hasSuffix := strings.Cut(name, "#")

	var matches []peer.ID
	for id, rec := range d.peers {
		if !rec.State.Live() || rec.Nickname != nick {
			continue
		}
		if hasSuffix && !strings.HasSuffix(id.String(), suffix) {
			continue
		}
		matches = append(matches, id)
	}
	if len(matches) == 0 && !hasSuffix {
		// Peers without a nickname are displayed by their short identity.
		for id, rec := range d.peers {
			if rec.State.Live() && rec.Nickname == "" && ShortID(id) == name {
				matches = append(matches, id)
			}
		}
	}

	switch len(matches) {
	case 0:
		return "", errs.Newf(errs.CodeNotFound, "unknown nickname %q", name)
	case 1:
		return matches[0], nil
	default:
		return "", errs.Newf(errs.CodeAmbiguousNickname,
			"%d peers are called %q, use one of %s", len(matches), nick, d.candidates(matches))
	}
}

func (d *Directory) candidates(ids []peer.ID) string {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, d.peers[id].Nickname+"#"+ShortID(id))
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// List returns every known peer ordered by nickname, then identity.
func (d *Directory) List() []PeerRecord {
	out := make([]PeerRecord, 0, len(d.peers))
	for _, rec := range d.peers {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Nickname != out[j].Nickname {
			return out[i].Nickname < out[j].Nickname
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Live returns the identities of all peers that are discovered or connected.
func (d *Directory) Live() []peer.ID {
	var ids []peer.ID
	for id, rec := range d.peers {
		if rec.State.Live() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of known peers.
func (d *Directory) Len() int {
	return len(d.peers)
}

// DisplayName renders id for the user. Peers without a nickname show as
// their short identity; a nickname shared with another live peer gets the
// short identity appended.
func (d *Directory) DisplayName(id peer.ID) string {
	rec, ok := d.peers[id]
	if !ok || rec.Nickname == "" {
		return ShortID(id)
	}
	for other, o := range d.peers {
		if other != id && o.State.Live() && o.Nickname == rec.Nickname {
			return rec.Nickname + "#" + ShortID(id)
		}
	}
	return rec.Nickname
}

// ShortID returns the last SuffixLength characters of the identity.
func ShortID(id peer.ID) string {
	s := id.String()
	if len(s) <= SuffixLength {
		return s
	}
	return s[len(s)-SuffixLength:]
}
