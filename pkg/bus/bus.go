// Package bus implements the broadcast channel that hosts tmcagent's
// workers. Every subscription sees every message published after the
// subscription was taken; slow subscribers drop messages rather than
// stall publishers (see DESIGN.md for why).
package bus

import (
	"net"
	"sync"
	"time"

	"github.com/cuemby/tmcagent/pkg/metrics"
)

const subscriberCapacity = 100

// Kind tags the variant carried by a Message.
type Kind string

const (
	KindShutdown         Kind = "shutdown"
	KindUpdateAccounts   Kind = "update_accounts"
	KindUpdateAccountsOk Kind = "update_accounts_ok"
	KindUpdateMounts     Kind = "update_mounts"
	KindUpdateMountsOk   Kind = "update_mounts_ok"
	KindUpdateCanonical  Kind = "update_canonical"
	KindReloadTestbed    Kind = "reload_testbed"
)

// ShutdownReason distinguishes a signal-triggered shutdown (which is
// reported to the controller) from an interactive one (which is not).
type ShutdownReason string

const (
	ShutdownSignal      ShutdownReason = "signal"
	ShutdownInteractive ShutdownReason = "interactive"
)

// Message is the bus's tagged union. Only the fields relevant to Kind
// are populated; this mirrors the source's enum-of-variants using a
// single struct, which is the idiomatic Go rendering of a small, fixed
// set of message shapes shared over one channel type.
type Message struct {
	Kind Kind

	ShutdownReason ShutdownReason

	Accounts any // *account.Accounts; any avoids an import cycle with pkg/account

	Mounts any // []mount.NfsMount

	CanonicalFQDN string
	CanonicalIPv4 net.IP
}

// Shutdown builds a Shutdown message.
func Shutdown(reason ShutdownReason) Message {
	return Message{Kind: KindShutdown, ShutdownReason: reason}
}

// UpdateAccounts builds an UpdateAccounts message.
func UpdateAccounts(accounts any) Message {
	return Message{Kind: KindUpdateAccounts, Accounts: accounts}
}

// UpdateAccountsOk builds an UpdateAccountsOk message.
func UpdateAccountsOk() Message { return Message{Kind: KindUpdateAccountsOk} }

// UpdateMounts builds an UpdateMounts message.
func UpdateMounts(mounts any) Message {
	return Message{Kind: KindUpdateMounts, Mounts: mounts}
}

// UpdateMountsOk builds an UpdateMountsOk message.
func UpdateMountsOk() Message { return Message{Kind: KindUpdateMountsOk} }

// UpdateCanonical builds an UpdateCanonical message.
func UpdateCanonical(fqdn string, ipv4 net.IP) Message {
	return Message{Kind: KindUpdateCanonical, CanonicalFQDN: fqdn, CanonicalIPv4: ipv4}
}

// ReloadTestbed builds a ReloadTestbed message.
func ReloadTestbed() Message { return Message{Kind: KindReloadTestbed} }

// Subscription is a channel a worker reads published messages from.
type Subscription chan Message

// Bus is a bounded multi-producer, multi-consumer broadcast channel.
// Publish never blocks: a subscriber whose buffer is full simply misses
// the message (documented open item, not mitigated — see DESIGN.md).
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Subscription]struct{}
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[Subscription]struct{})}
}

// Subscribe registers a new subscription and returns its channel.
func (b *Bus) Subscribe() Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscription, subscriberCapacity)
	b.subscribers[sub] = struct{}{}
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish delivers a message to every current subscriber. It never
// blocks: a full subscriber channel drops the message.
func (b *Bus) Publish(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- msg:
		default:
			// Subscriber buffer full; message dropped.
			metrics.BusMessagesDroppedTotal.WithLabelValues(string(msg.Kind)).Inc()
		}
	}
}

// SubscriberCount reports the number of active subscriptions, mostly
// useful for tests and metrics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// WaitBrief is a small test helper that gives a just-published message
// time to land in subscriber buffers before a test inspects them.
func WaitBrief() { time.Sleep(5 * time.Millisecond) }
