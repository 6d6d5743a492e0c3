package trade

import (
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/cosmqc/swapbytes/internal/catalog"
)

// State is the lifecycle position of a trade.
//
//	Offered -> Accepted | Declined | Cancelled
//	Accepted -> Completed | Failed
type State int

const (
	Offered State = iota
	Accepted
	Declined
	Cancelled
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Offered:
		return "offered"
	case Accepted:
		return "accepted"
	case Declined:
		return "declined"
	case Cancelled:
		return "cancelled"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s != Offered && s != Accepted
}

// Key identifies a trade by its ordered pair of participants.
type Key struct {
	Initiator    peer.ID
	Counterparty peer.ID
}

// Progress is one direction of a transfer, seen from the local node.
type Progress struct {
	Hash     string
	Name     string
	Size     int64
	Done     int64
	Finished bool
}

// Percent returns completion in whole percent.
func (p Progress) Percent() int {
	if p.Size == 0 {
		if p.Finished {
			return 100
		}
		return 0
	}
	return int(p.Done * 100 / p.Size)
}

// Offer is a snapshot of one trade.
type Offer struct {
	Key
	Nonce            string
	InitiatorFile    catalog.FileRecord
	CounterpartyFile catalog.FileRecord
	State            State
	Reason           string

	CreatedAt  time.Time
	AcceptedAt time.Time
	UpdatedAt  time.Time

	Sent      Progress
	Received  Progress
	SavedPath string
}

// Peer returns the other participant as seen by self.
func (o Offer) Peer(self peer.ID) peer.ID {
	if o.Initiator == self {
		return o.Counterparty
	}
	return o.Initiator
}

// Outgoing reports whether self made the offer.
func (o Offer) Outgoing(self peer.ID) bool {
	return o.Initiator == self
}

// OwnFile returns the file self gives away.
func (o Offer) OwnFile(self peer.ID) catalog.FileRecord {
	if o.Outgoing(self) {
		return o.InitiatorFile
	}
	return o.CounterpartyFile
}

// TheirFile returns the file self receives.
func (o Offer) TheirFile(self peer.ID) catalog.FileRecord {
	if o.Outgoing(self) {
		return o.CounterpartyFile
	}
	return o.InitiatorFile
}

// EventKind discriminates Event.
type EventKind int

const (
	EventOfferReceived EventKind = iota
	EventAccepted
	EventDeclined
	EventCancelled
	EventProgress
	EventFileSaved
	EventCompleted
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventOfferReceived:
		return "offer-received"
	case EventAccepted:
		return "accepted"
	case EventDeclined:
		return "declined"
	case EventCancelled:
		return "cancelled"
	case EventProgress:
		return "progress"
	case EventFileSaved:
		return "file-saved"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a user-visible trade change.
type Event struct {
	Kind  EventKind
	Offer Offer
	Err   error
}
