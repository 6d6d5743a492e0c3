package node

import (
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/cosmqc/swapbytes/internal/catalog"
	"github.com/cosmqc/swapbytes/internal/directory"
	"github.com/cosmqc/swapbytes/internal/errs"
	"github.com/cosmqc/swapbytes/internal/protocol"
	"github.com/cosmqc/swapbytes/internal/trade"
)

// MaxNicknameLength bounds a nickname in characters.
const MaxNicknameLength = 32

// Command is a user request handled by the loop.
type Command interface {
	command() string
}

type (
	// Nick sets and announces the local nickname.
	Nick struct{ Name string }
	// ListPeers returns every known peer. Result: []PeerView.
	ListPeers struct{}
	// Upload publishes a local file. Result: catalog.FileRecord.
	Upload struct{ Path, Description string }
	// ListFiles refreshes and returns the catalog. Result: []OwnerFiles.
	ListFiles struct{}
	// Dm sends a private message.
	Dm struct{ To, Text string }
	// Trade offers OwnHash for With's TheirHash. Result: trade.Offer.
	Trade struct{ With, OwnHash, TheirHash string }
	// TradeAccept accepts With's pending offer. Result: trade.Offer.
	TradeAccept struct{ With string }
	// TradeDecline declines With's pending offer. Result: trade.Offer.
	TradeDecline struct{ With string }
	// TradeCancel withdraws our pending offer to With. Result: trade.Offer.
	TradeCancel struct{ With string }
	// Chat broadcasts a line on the topic.
	Chat struct{ Text string }
	// GetFileMetadata finds every record for Hash. Result: []catalog.FileRecord.
	GetFileMetadata struct{ Hash string }
	// ListTrades returns live and recently finished trades. Result: []trade.Offer.
	ListTrades struct{}
)

func (Nick) command() string            { return "nick" }
func (ListPeers) command() string       { return "list_peers" }
func (Upload) command() string          { return "upload" }
func (ListFiles) command() string       { return "list_files" }
func (Dm) command() string              { return "dm" }
func (Trade) command() string           { return "trade" }
func (TradeAccept) command() string     { return "trade_accept" }
func (TradeDecline) command() string    { return "trade_decline" }
func (TradeCancel) command() string     { return "trade_cancel" }
func (Chat) command() string            { return "chat" }
func (GetFileMetadata) command() string { return "get_file_metadata" }
func (ListTrades) command() string      { return "trades" }

// Result is the outcome of a Command.
type Result struct {
	Value any
	Err   error
}

// PeerView is a directory entry as shown to the user.
type PeerView struct {
	ID       peer.ID
	Name     string
	Nickname string
	State    directory.ConnState
	LastSeen time.Time
}

// OwnerFiles groups the files one peer published.
type OwnerFiles struct {
	Owner peer.ID
	Name  string
	Self  bool
	Files []catalog.FileRecord
}

func (n *Node) execute(req request) {
	reply := func(value any, err error) {
		req.reply <- Result{Value: value, Err: err}
	}

	switch cmd := req.cmd.(type) {
	case Nick:
		reply(n.setNickname(cmd.Name))

	case ListPeers:
		reply(n.peerViews(), nil)

	case Upload:
		reply(n.upload(cmd))

	case ListFiles:
		q := n.newQuery(func(bool) { reply(n.fileGroups(), nil) })
		n.refreshIndexes(q)
		n.start(q)

	case Dm:
		to, err := n.dir.Resolve(cmd.To)
		if err != nil {
			reply(nil, err)
			return
		}
		if err := n.router.SendText(n.ctx, to, cmd.Text); err != nil {
			reply(nil, err)
			return
		}
		n.metrics.MessageSent(string(protocol.KindDirect))
		reply(nil, nil)

	case Trade:
		n.offer(cmd, reply)

	case TradeAccept:
		reply(n.withPeer(cmd.With, n.trades.Accept))

	case TradeDecline:
		reply(n.withPeer(cmd.With, n.trades.Decline))

	case TradeCancel:
		reply(n.withPeer(cmd.With, n.trades.Cancel))

	case Chat:
		if err := n.router.SendPublic(n.ctx, cmd.Text); err != nil {
			reply(nil, err)
			return
		}
		n.metrics.MessageSent(string(protocol.KindChat))
		reply(nil, nil)

	case GetFileMetadata:
		n.fileMetadata(cmd.Hash, reply)

	case ListTrades:
		reply(n.trades.All(), nil)

	default:
		reply(nil, errs.Newf(errs.CodeInvalidArgument, "unsupported command %T", req.cmd))
	}
}

// ValidNickname reports why name cannot be used, or nil.
func ValidNickname(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return errs.New(errs.CodeInvalidArgument, "nickname cannot be empty")
	case utf8.RuneCountInString(name) > MaxNicknameLength:
		return errs.Newf(errs.CodeInvalidArgument, "nickname is longer than %d characters", MaxNicknameLength)
	case strings.Contains(name, "#"):
		return errs.New(errs.CodeInvalidArgument, "nickname cannot contain '#'")
	case strings.IndexFunc(name, unicode.IsControl) >= 0:
		return errs.New(errs.CodeInvalidArgument, "nickname cannot contain control characters")
	}
	return nil
}

func (n *Node) setNickname(name string) (string, error) {
	name = strings.TrimSpace(name)
	if err := ValidNickname(name); err != nil {
		return "", err
	}
	n.nickname = name

	err := n.router.AnnounceNickname(n.ctx, name)
	if err == nil {
		n.metrics.MessageSent(string(protocol.KindNickname))
	}
	for _, id := range n.dir.Live() {
		if !n.adapter.Connected(id) {
			continue
		}
		if sendErr := n.router.SendNickname(n.ctx, id, name); sendErr != nil {
			n.log.Debug("nickname exchange failed", zap.Stringer("peerID", id), zap.Error(sendErr))
		}
	}
	return name, err
}

func (n *Node) peerViews() []PeerView {
	records := n.dir.List()
	views := make([]PeerView, 0, len(records))
	for _, rec := range records {
		views = append(views, PeerView{
			ID:       rec.ID,
			Name:     n.dir.DisplayName(rec.ID),
			Nickname: rec.Nickname,
			State:    rec.State,
			LastSeen: rec.LastSeen,
		})
	}
	return views
}

func (n *Node) upload(cmd Upload) (catalog.FileRecord, error) {
	content, err := n.store.ReadFile(cmd.Path)
	if err != nil {
		return catalog.FileRecord{}, err
	}
	hash, err := n.cat.Publish(n.self, catalog.Descriptor{
		Name:        filepath.Base(cmd.Path),
		Content:     content,
		Description: cmd.Description,
	})
	if err != nil {
		return catalog.FileRecord{}, err
	}
	rec, _ := n.cat.Get(hash, n.self)
	n.log.Info("published file", zap.String("hash", hash), zap.String("name", rec.Name))
	return rec, nil
}

// fileGroups returns the catalog grouped by owner, our own files first.
func (n *Node) fileGroups() []OwnerFiles {
	grouped := n.cat.ListGroupedByOwner()
	groups := make([]OwnerFiles, 0, len(grouped))
	for owner, files := range grouped {
		name := n.dir.DisplayName(owner)
		if owner == n.self {
			name = "you"
		}
		groups = append(groups, OwnerFiles{Owner: owner, Name: name, Self: owner == n.self, Files: files})
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Self != groups[j].Self {
			return groups[i].Self
		}
		if groups[i].Name != groups[j].Name {
			return groups[i].Name < groups[j].Name
		}
		return groups[i].Owner < groups[j].Owner
	})
	return groups
}

func (n *Node) withPeer(name string, fn func(peer.ID) (trade.Offer, error)) (trade.Offer, error) {
	id, err := n.dir.Resolve(name)
	if err != nil {
		return trade.Offer{}, err
	}
	return fn(id)
}

// offer starts a trade. When the peer's record for TheirHash is not known
// yet it is looked up first.
func (n *Node) offer(cmd Trade, reply func(any, error)) {
	id, err := n.dir.Resolve(cmd.With)
	if err != nil {
		reply(nil, err)
		return
	}
	if !protocol.ValidHash(cmd.OwnHash) || !protocol.ValidHash(cmd.TheirHash) {
		reply(nil, errs.New(errs.CodeInvalidFileHash, "file hashes are 64 hex characters"))
		return
	}

	run := func(bool) {
		reply(n.trades.Offer(id, cmd.OwnHash, cmd.TheirHash))
	}
	if _, known := n.cat.Get(cmd.TheirHash, id); known {
		run(false)
		return
	}
	q := n.newQuery(run)
	n.fetchRecord(protocol.FileRecordKey(cmd.TheirHash, id), q)
	n.start(q)
}

// fileMetadata answers from the catalog when it can and otherwise asks
// the directory who provides the content.
func (n *Node) fileMetadata(hash string, reply func(any, error)) {
	hash = strings.ToLower(strings.TrimSpace(hash))
	if !protocol.ValidHash(hash) {
		reply(nil, errs.New(errs.CodeInvalidFileHash, "file hashes are 64 hex characters"))
		return
	}

	if recs, err := n.cat.Lookup(hash); err == nil {
		reply(recs, nil)
		n.findProviders(hash)
		return
	}

	q := n.newQuery(func(timedOut bool) {
		recs, err := n.cat.Lookup(hash)
		if err != nil && timedOut {
			err = lookupTimeoutErr("the directory")
		}
		reply(recs, err)
	})
	n.findProviders(hash, q)
	n.start(q)
}
