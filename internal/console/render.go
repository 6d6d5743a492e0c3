package console

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/schollz/progressbar/v3"

	"github.com/cosmqc/swapbytes/internal/catalog"
	"github.com/cosmqc/swapbytes/internal/directory"
	"github.com/cosmqc/swapbytes/internal/node"
	"github.com/cosmqc/swapbytes/internal/trade"
)

const timeFormat = "15:04:05"

// Renderer writes node output and command results as plain lines.
// It is not safe for concurrent use.
type Renderer struct {
	w    io.Writer
	self peer.ID
	bars map[string]*progressbar.ProgressBar // by trade nonce
}

// NewRenderer writes to w on behalf of the local identity self.
func NewRenderer(w io.Writer, self peer.ID) *Renderer {
	return &Renderer{w: w, self: self, bars: make(map[string]*progressbar.ProgressBar)}
}

func (r *Renderer) printf(format string, args ...any) {
	fmt.Fprintf(r.w, format+"\n", args...)
}

// Help prints the command summary.
func (r *Renderer) Help() {
	fmt.Fprint(r.w, HelpText)
}

// Event renders one output event.
func (r *Renderer) Event(ev node.OutputEvent) {
	stamp := ev.Time.Format(timeFormat)
	switch ev.Kind {
	case node.OutputChat:
		r.printf("[%s] <%s> %s", stamp, ev.Name, ev.Text)
	case node.OutputDirect:
		r.printf("[%s] *%s* %s", stamp, ev.Name, ev.Text)
	case node.OutputNickname:
		r.printf("[%s] -- %s is now known as %s", stamp, ev.Name, ev.Text)
	case node.OutputPeerJoined:
		r.printf("[%s] -- %s joined", stamp, ev.Name)
	case node.OutputPeerLeft:
		r.printf("[%s] -- %s left", stamp, ev.Name)
	case node.OutputTrade:
		if ev.Trade != nil {
			r.tradeEvent(stamp, ev.Name, *ev.Trade)
		}
	case node.OutputNotice:
		if ev.Err != nil {
			r.printf("[%s] !! %s (%v)", stamp, ev.Text, ev.Err)
		} else {
			r.printf("[%s] !! %s", stamp, ev.Text)
		}
	case node.OutputError:
		r.printf("[%s] error: %s", stamp, ev.Text)
	}
}

func (r *Renderer) tradeEvent(stamp, name string, ev trade.Event) {
	o := ev.Offer
	own, theirs := o.OwnFile(r.self), o.TheirFile(r.self)

	switch ev.Kind {
	case trade.EventOfferReceived:
		r.printf("[%s] trade: %s offers %s (%s) for your %s", stamp, name, theirs.Name, FormatSize(theirs.Size), describe(own))
		r.printf("           their hash %s", theirs.Hash)
		r.printf("           /trade_accept %s or /trade_decline %s", quote(name), quote(name))
	case trade.EventAccepted:
		r.printf("[%s] trade: %s accepted, sending %s", stamp, name, own.Name)
	case trade.EventDeclined:
		r.printf("[%s] trade with %s declined: %s", stamp, name, o.Reason)
	case trade.EventCancelled:
		r.printf("[%s] trade with %s cancelled: %s", stamp, name, o.Reason)
	case trade.EventProgress:
		r.progress(o)
	case trade.EventFileSaved:
		r.finishBar(o.Nonce)
		r.printf("[%s] trade: saved %s from %s to %s", stamp, theirs.Name, name, o.SavedPath)
	case trade.EventCompleted:
		r.printf("[%s] trade with %s completed", stamp, name)
	case trade.EventFailed:
		r.finishBar(o.Nonce)
		reason := o.Reason
		if ev.Err != nil {
			reason = ev.Err.Error()
		}
		r.printf("[%s] trade with %s failed: %s", stamp, name, reason)
		if o.Received.Finished {
			r.printf("           you kept %s, saved at %s", theirs.Name, o.SavedPath)
		}
	}
}

func (r *Renderer) progress(o trade.Offer) {
	bar, ok := r.bars[o.Nonce]
	if !ok {
		bar = progressbar.NewOptions64(o.Received.Size,
			progressbar.OptionSetWriter(r.w),
			progressbar.OptionSetDescription("receiving "+o.Received.Name),
			progressbar.OptionSetWidth(20),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetPredictTime(false),
		)
		r.bars[o.Nonce] = bar
	}
	_ = bar.Set64(o.Received.Done)
	fmt.Fprintln(r.w)
}

func (r *Renderer) finishBar(nonce string) {
	delete(r.bars, nonce)
}

// Result renders the outcome of cmd.
func (r *Renderer) Result(cmd node.Command, res node.Result) {
	if res.Err != nil {
		r.printf("error: %v", res.Err)
		return
	}

	switch cmd := cmd.(type) {
	case node.Nick:
		r.printf("you are now known as %v", res.Value)

	case node.ListPeers:
		r.peers(res.Value.([]node.PeerView))

	case node.Upload:
		rec := res.Value.(catalog.FileRecord)
		r.printf("published %s (%s)", rec.Name, FormatSize(rec.Size))
		r.printf("  hash %s", rec.Hash)

	case node.ListFiles:
		r.files(res.Value.([]node.OwnerFiles))

	case node.Dm:
		r.printf("[%s] -> %s: %s", time.Now().Format(timeFormat), cmd.To, cmd.Text)

	case node.Trade:
		o := res.Value.(trade.Offer)
		r.printf("offered %s for %s's %s, waiting for an answer",
			o.OwnFile(r.self).Name, cmd.With, describe(o.TheirFile(r.self)))

	case node.TradeAccept:
		o := res.Value.(trade.Offer)
		r.printf("accepted, sending %s and receiving %s", o.OwnFile(r.self).Name, o.TheirFile(r.self).Name)

	case node.TradeDecline:
		r.printf("declined the offer from %s", cmd.With)

	case node.TradeCancel:
		o := res.Value.(trade.Offer)
		r.printf("withdrew the offer to %s (%s)", cmd.With, o.Reason)

	case node.GetFileMetadata:
		for _, rec := range res.Value.([]catalog.FileRecord) {
			r.printf("%s  %s  %s  owner %s", rec.Name, FormatSize(rec.Size), rec.PublishedAt.Format(time.DateTime), rec.Owner)
			if rec.Description != "" {
				r.printf("  %s", rec.Description)
			}
		}

	case node.ListTrades:
		r.trades(res.Value.([]trade.Offer))
	}
}

func (r *Renderer) peers(views []node.PeerView) {
	if len(views) == 0 {
		r.printf("no peers yet")
		return
	}
	tw := tabwriter.NewWriter(r.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATE\tLAST SEEN\tID")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.Name, v.State, v.LastSeen.Format(timeFormat), v.ID)
	}
	tw.Flush()
}

func (r *Renderer) files(groups []node.OwnerFiles) {
	if len(groups) == 0 {
		r.printf("no files published yet")
		return
	}
	tw := tabwriter.NewWriter(r.w, 0, 4, 2, ' ', 0)
	for _, g := range groups {
		owner := g.Name
		if !g.Self {
			owner += " (" + directory.ShortID(g.Owner) + ")"
		}
		fmt.Fprintf(tw, "%s:\n", owner)
		for _, f := range g.Files {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", f.Hash, f.Name, FormatSize(f.Size), f.Description)
		}
	}
	tw.Flush()
}

func (r *Renderer) trades(offers []trade.Offer) {
	if len(offers) == 0 {
		r.printf("no trades")
		return
	}
	tw := tabwriter.NewWriter(r.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PEER\tDIRECTION\tGIVE\tGET\tSTATE\tPROGRESS")
	for _, o := range offers {
		dir := "incoming"
		if o.Outgoing(r.self) {
			dir = "outgoing"
		}
		progress := ""
		if o.State == trade.Accepted || o.State == trade.Completed || o.State == trade.Failed {
			progress = fmt.Sprintf("sent %d%% received %d%%", o.Sent.Percent(), o.Received.Percent())
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			directory.ShortID(o.Peer(r.self)), dir, o.OwnFile(r.self).Name, o.TheirFile(r.self).Name, o.State, progress)
	}
	tw.Flush()
}

func describe(rec catalog.FileRecord) string {
	if rec.Name == "" {
		return rec.Hash
	}
	return rec.Name
}

func quote(name string) string {
	if strings.ContainsAny(name, " \t") {
		return `"` + name + `"`
	}
	return name
}

// FormatSize renders a byte count with a binary unit.
func FormatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
