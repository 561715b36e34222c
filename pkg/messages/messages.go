package messages

import (
	"sync"

	"github.com/parsec-cloud/parsecd/pkg/types"
)

// Message is one opaque delivery, timestamped so a recipient can discard
// stale entries without the inbox itself needing to know their meaning.
type Message struct {
	Sender    types.DeviceID
	Body      []byte
	Timestamp types.Timestamp
}

// Inbox holds undelivered messages per (organization, user). It is an
// in-memory mailbox, not a durable queue: a device that is offline when a
// message is deposited and never reconnects simply never collects it,
// matching the fire-and-forget delivery the reencryption handshake
// expects of the messages subsystem.
type Inbox struct {
	mu   sync.RWMutex
	byKey map[string][]Message
}

// NewInbox creates an empty Inbox.
func NewInbox() *Inbox {
	return &Inbox{byKey: make(map[string][]Message)}
}

func key(org types.OrganizationID, user types.UserID) string {
	return string(org) + "|" + string(user)
}

// Deposit appends msg to user's inbox.
func (i *Inbox) Deposit(org types.OrganizationID, user types.UserID, msg Message) {
	i.mu.Lock()
	defer i.mu.Unlock()
	k := key(org, user)
	i.byKey[k] = append(i.byKey[k], msg)
}

// Collect returns and clears all messages currently held for user.
func (i *Inbox) Collect(org types.OrganizationID, user types.UserID) []Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	k := key(org, user)
	msgs := i.byKey[k]
	delete(i.byKey, k)
	return msgs
}

// Pending reports how many messages are currently queued for user,
// for metrics and tests.
func (i *Inbox) Pending(org types.OrganizationID, user types.UserID) int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.byKey[key(org, user)])
}
