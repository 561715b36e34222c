package events

import (
	"sync"

	"github.com/parsec-cloud/parsecd/pkg/metrics"
	"github.com/parsec-cloud/parsecd/pkg/types"
)

// EventType identifies the kind of realm-scoped event published. These are
// exactly the four events spec §4.4 requires.
type EventType string

const (
	RealmVlobsUpdated      EventType = "REALM_VLOBS_UPDATED"
	RealmRolesUpdated      EventType = "REALM_ROLES_UPDATED"
	RealmMaintenanceStart  EventType = "REALM_MAINTENANCE_STARTED"
	RealmMaintenanceFinish EventType = "REALM_MAINTENANCE_FINISHED"
)

// Event is a single realm-scoped notification. Not every field is
// populated for every EventType; see the constructors in realm/vlob for the
// fields each event kind carries.
type Event struct {
	Type           EventType
	Organization   types.OrganizationID
	RealmID        types.RealmID
	Checkpoint     uint64 // REALM_VLOBS_UPDATED
	VlobID         types.VlobID
	Version        types.Version
	Author         types.DeviceID
	User           types.UserID // REALM_ROLES_UPDATED
	EncryptionRev  types.EncryptionRevision
}

// Subscriber is a channel on which a subscriber receives events for the
// organizations/realms it subscribed to.
type Subscriber chan Event

// Broker distributes events to subscribers filtered by (organization,
// realm). It generalizes the teacher's cluster-wide broadcast broker into
// per-realm routing: a subscriber only receives events for the realm it
// registered interest in, which is what lets events_listen wake exactly
// the right long-poll callers instead of every connected client.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]subscription
	eventCh     chan Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

type subscription struct {
	org     types.OrganizationID
	realmID types.RealmID
}

// NewBroker creates a Broker. Call Start before Publish; Publish blocks
// until Start's dispatch loop is draining the internal queue or the broker
// is stopped.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]subscription),
		eventCh:     make(chan Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's dispatch loop in its own goroutine.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts the dispatch loop. Subscriber channels are not closed; each
// stays open until its Unsubscribe. Safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// Subscribe registers interest in events for one (organization, realm) and
// returns the channel events will arrive on. Callers must Unsubscribe when
// done to release the channel.
func (b *Broker) Subscribe(org types.OrganizationID, realmID types.RealmID) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 32)
	b.subscribers[sub] = subscription{org: org, realmID: realmID}
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish enqueues an event for dispatch. Publish yields between calls
// internally via the buffered eventCh so a burst of publishes cannot starve
// the dispatch loop (spec §5 backpressure requirement).
func (b *Broker) Publish(event Event) {
	select {
	case b.eventCh <- event:
		metrics.EventsPublishedTotal.WithLabelValues(string(event.Type)).Inc()
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, want := range b.subscribers {
		if want.org != event.Organization || want.realmID != event.RealmID {
			continue
		}
		select {
		case sub <- event:
		default:
			// subscriber buffer full: best-effort delivery, drop.
		}
	}
}

// SubscriberCount reports the number of active subscriptions, for metrics.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
