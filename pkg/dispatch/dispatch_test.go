package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/parsec-cloud/parsecd/pkg/corefsm"
	"github.com/parsec-cloud/parsecd/pkg/events"
	"github.com/parsec-cloud/parsecd/pkg/maintenance"
	"github.com/parsec-cloud/parsecd/pkg/messages"
	"github.com/parsec-cloud/parsecd/pkg/realm"
	"github.com/parsec-cloud/parsecd/pkg/storage"
	"github.com/parsec-cloud/parsecd/pkg/types"
	"github.com/parsec-cloud/parsecd/pkg/vlob"
	"github.com/parsec-cloud/parsecd/pkg/wire"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *events.Broker) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)

	realms := realm.New(store, bus)
	vlobs := vlob.New(store, realms, bus, 0)
	inbox := messages.NewInbox()
	ctl := maintenance.New(realms, vlobs, inbox)
	proposer := corefsm.NewDirectProposer(corefsm.New(realms, vlobs))

	return New(realms, vlobs, ctl, bus, proposer), bus
}

func mustEncode(t *testing.T, fields map[string]interface{}) []byte {
	t.Helper()
	payload, err := wire.Encode(fields)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return payload
}

func mustDecode(t *testing.T, payload []byte) wire.Frame {
	t.Helper()
	frame, err := wire.Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return frame
}

func nowMicros() uint64 {
	return uint64(time.Now().UTC().UnixMicro())
}

func TestDispatchUnknownCommand(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := ClientContext{Organization: "acme", Device: "alice@laptop"}

	reply := d.Dispatch(context.Background(), ctx, mustEncode(t, map[string]interface{}{"cmd": "not_a_command"}))
	status, _ := mustDecode(t, reply).Status()
	if status != "unknown_command" {
		t.Fatalf("status = %q, want unknown_command", status)
	}
}

func TestDispatchMalformedPayload(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := ClientContext{Organization: "acme", Device: "alice@laptop"}

	reply := d.Dispatch(context.Background(), ctx, []byte{0xff, 0xff})
	status, _ := mustDecode(t, reply).Status()
	if status != "bad_message" {
		t.Fatalf("status = %q, want bad_message", status)
	}
}

func TestVlobCreateImplicitRealmThenRead(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := ClientContext{Organization: "acme", Device: "alice@laptop"}
	realmID := uuid.New().String()
	vlobID := uuid.New().String()

	createReply := d.Dispatch(context.Background(), ctx, mustEncode(t, map[string]interface{}{
		"cmd":                 "vlob_create",
		"realm_id":            realmID,
		"vlob_id":             vlobID,
		"timestamp":           nowMicros(),
		"blob":                []byte("v1"),
		"encryption_revision": uint64(1),
	}))
	if status, _ := mustDecode(t, createReply).Status(); status != "ok" {
		t.Fatalf("create status = %q, want ok", status)
	}

	readReply := d.Dispatch(context.Background(), ctx, mustEncode(t, map[string]interface{}{
		"cmd":     "vlob_read",
		"vlob_id": vlobID,
	}))
	frame := mustDecode(t, readReply)
	if status, _ := frame.Status(); status != "ok" {
		t.Fatalf("read status = %q, want ok", status)
	}
	if version, _ := frame.Uint64("version"); version != 1 {
		t.Fatalf("version = %d, want 1", version)
	}
	if blob, _ := frame.Bytes("blob"); string(blob) != "v1" {
		t.Fatalf("blob = %q, want v1", blob)
	}
}

func TestVlobCreateOversizedBlobIsBadMessage(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.maxBlobSize = 4
	ctx := ClientContext{Organization: "acme", Device: "alice@laptop"}

	reply := d.Dispatch(context.Background(), ctx, mustEncode(t, map[string]interface{}{
		"cmd":       "vlob_create",
		"realm_id":  uuid.New().String(),
		"vlob_id":   uuid.New().String(),
		"timestamp": nowMicros(),
		"blob":      []byte("way too big for the limit"),
	}))
	if status, _ := mustDecode(t, reply).Status(); status != "bad_message" {
		t.Fatalf("status = %q, want bad_message", status)
	}
}

func TestVlobReadStrangerNotAllowed(t *testing.T) {
	d, _ := newTestDispatcher(t)
	alice := ClientContext{Organization: "acme", Device: "alice@laptop"}
	bob := ClientContext{Organization: "acme", Device: "bob@phone"}
	vlobID := uuid.New().String()

	d.Dispatch(context.Background(), alice, mustEncode(t, map[string]interface{}{
		"cmd":       "vlob_create",
		"realm_id":  uuid.New().String(),
		"vlob_id":   vlobID,
		"timestamp": nowMicros(),
		"blob":      []byte("v1"),
	}))

	reply := d.Dispatch(context.Background(), bob, mustEncode(t, map[string]interface{}{
		"cmd":     "vlob_read",
		"vlob_id": vlobID,
	}))
	if status, _ := mustDecode(t, reply).Status(); status != "not_allowed" {
		t.Fatalf("status = %q, want not_allowed", status)
	}
}

func encodeCertificate(t *testing.T, realmID, grantedBy, grantedTo, role string, grantedOn uint64, signature []byte) []byte {
	t.Helper()
	fields := map[string]interface{}{
		"realm_id":   realmID,
		"granted_by": grantedBy,
		"granted_to": grantedTo,
		"granted_on": grantedOn,
		"signature":  signature,
	}
	if role != "" {
		fields["role"] = role
	}
	return mustEncode(t, fields)
}

func TestRealmCreateThenStatus(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := ClientContext{Organization: "acme", Device: "alice@laptop"}
	realmID := uuid.New().String()
	ts := nowMicros()

	cert := encodeCertificate(t, realmID, "alice@laptop", "alice", "OWNER", ts, []byte("sig"))
	reply := d.Dispatch(context.Background(), ctx, mustEncode(t, map[string]interface{}{
		"cmd":              "realm_create",
		"role_certificate": cert,
	}))
	if status, _ := mustDecode(t, reply).Status(); status != "ok" {
		t.Fatalf("realm_create status = %q, want ok", status)
	}

	statusReply := d.Dispatch(context.Background(), ctx, mustEncode(t, map[string]interface{}{
		"cmd":      "realm_status",
		"realm_id": realmID,
	}))
	frame := mustDecode(t, statusReply)
	if status, _ := frame.Status(); status != "ok" {
		t.Fatalf("realm_status status = %q, want ok", status)
	}
	if rev, _ := frame.Uint64("encryption_revision"); rev != 1 {
		t.Fatalf("encryption_revision = %d, want 1", rev)
	}
}

func TestRealmCreateDuplicateAlreadyExists(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := ClientContext{Organization: "acme", Device: "alice@laptop"}
	realmID := uuid.New().String()
	ts := nowMicros()
	cert := encodeCertificate(t, realmID, "alice@laptop", "alice", "OWNER", ts, []byte("sig"))

	d.Dispatch(context.Background(), ctx, mustEncode(t, map[string]interface{}{
		"cmd":              "realm_create",
		"role_certificate": cert,
	}))
	reply := d.Dispatch(context.Background(), ctx, mustEncode(t, map[string]interface{}{
		"cmd":              "realm_create",
		"role_certificate": cert,
	}))
	if status, _ := mustDecode(t, reply).Status(); status != "already_exists" {
		t.Fatalf("status = %q, want already_exists", status)
	}
}

func TestRealmUpdateRolesGrantsContributor(t *testing.T) {
	d, _ := newTestDispatcher(t)
	alice := ClientContext{Organization: "acme", Device: "alice@laptop"}
	realmID := uuid.New().String()
	t0 := nowMicros()

	d.Dispatch(context.Background(), alice, mustEncode(t, map[string]interface{}{
		"cmd":              "realm_create",
		"role_certificate": encodeCertificate(t, realmID, "alice@laptop", "alice", "OWNER", t0, []byte("sig")),
	}))

	grant := encodeCertificate(t, realmID, "alice@laptop", "bob", "CONTRIBUTOR", t0+1, []byte("sig"))
	reply := d.Dispatch(context.Background(), alice, mustEncode(t, map[string]interface{}{
		"cmd":              "realm_update_roles",
		"role_certificate": grant,
	}))
	if status, _ := mustDecode(t, reply).Status(); status != "ok" {
		t.Fatalf("status = %q, want ok", status)
	}

	bob := ClientContext{Organization: "acme", Device: "bob@phone"}
	vlobID := uuid.New().String()
	createReply := d.Dispatch(context.Background(), bob, mustEncode(t, map[string]interface{}{
		"cmd":       "vlob_create",
		"realm_id":  realmID,
		"vlob_id":   vlobID,
		"timestamp": nowMicros(),
		"blob":      []byte("hello"),
	}))
	if status, _ := mustDecode(t, createReply).Status(); status != "ok" {
		t.Fatalf("vlob_create by granted contributor status = %q, want ok", status)
	}
}

func TestEventsListenTimesOutWithNoEvents(t *testing.T) {
	d, _ := newTestDispatcher(t)
	orig := PeerEventMaxWait
	PeerEventMaxWait = 10 * time.Millisecond
	defer func() { PeerEventMaxWait = orig }()

	ctx := ClientContext{Organization: "acme", Device: "alice@laptop"}
	reply := d.Dispatch(context.Background(), ctx, mustEncode(t, map[string]interface{}{
		"cmd":      "events_listen",
		"realm_id": uuid.New().String(),
	}))
	if status, _ := mustDecode(t, reply).Status(); status != "no_events" {
		t.Fatalf("status = %q, want no_events", status)
	}
}

func TestEventsListenCancelledByNewCommand(t *testing.T) {
	d, _ := newTestDispatcher(t)
	orig := PeerEventMaxWait
	PeerEventMaxWait = time.Minute
	defer func() { PeerEventMaxWait = orig }()

	ctx := ClientContext{Organization: "acme", Device: "alice@laptop"}
	goCtx, cancel := context.WithCancel(context.Background())

	replies := make(chan []byte, 1)
	go func() {
		replies <- d.Dispatch(goCtx, ctx, mustEncode(t, map[string]interface{}{
			"cmd":      "events_listen",
			"realm_id": uuid.New().String(),
		}))
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case reply := <-replies:
		if status, _ := mustDecode(t, reply).Status(); status != "cancelled" {
			t.Fatalf("status = %q, want cancelled", status)
		}
	case <-time.After(time.Second):
		t.Fatal("events_listen did not return after cancellation")
	}
}

func TestEventsListenReceivesVlobUpdate(t *testing.T) {
	d, _ := newTestDispatcher(t)
	orig := PeerEventMaxWait
	PeerEventMaxWait = time.Minute
	defer func() { PeerEventMaxWait = orig }()

	alice := ClientContext{Organization: "acme", Device: "alice@laptop"}
	realmID := uuid.New().String()
	vlobID := uuid.New().String()

	d.Dispatch(context.Background(), alice, mustEncode(t, map[string]interface{}{
		"cmd":       "vlob_create",
		"realm_id":  realmID,
		"vlob_id":   vlobID,
		"timestamp": nowMicros(),
		"blob":      []byte("v1"),
	}))

	replies := make(chan []byte, 1)
	go func() {
		replies <- d.Dispatch(context.Background(), alice, mustEncode(t, map[string]interface{}{
			"cmd":      "events_listen",
			"realm_id": realmID,
		}))
	}()

	// Give the listener a moment to subscribe before the next mutation.
	time.Sleep(20 * time.Millisecond)

	d.Dispatch(context.Background(), alice, mustEncode(t, map[string]interface{}{
		"cmd":       "vlob_update",
		"vlob_id":   vlobID,
		"version":   uint64(2),
		"timestamp": nowMicros(),
		"blob":      []byte("v2"),
	}))

	select {
	case reply := <-replies:
		frame := mustDecode(t, reply)
		status, _ := frame.Status()
		event, _ := frame.String("event")
		if status != "ok" || event != string(events.RealmVlobsUpdated) {
			t.Fatalf("status=%q event=%q, want ok/REALM_VLOBS_UPDATED", status, event)
		}
	case <-time.After(time.Second):
		t.Fatal("events_listen did not observe the vlob update")
	}
}

func TestVlobPollChangesDuringMaintenanceInMaintenance(t *testing.T) {
	d, _ := newTestDispatcher(t)
	alice := ClientContext{Organization: "acme", Device: "alice@laptop"}
	realmID := uuid.New().String()
	vlobID := uuid.New().String()

	d.Dispatch(context.Background(), alice, mustEncode(t, map[string]interface{}{
		"cmd":       "vlob_create",
		"realm_id":  realmID,
		"vlob_id":   vlobID,
		"timestamp": nowMicros(),
		"blob":      []byte("v1"),
	}))

	startReply := d.Dispatch(context.Background(), alice, mustEncode(t, map[string]interface{}{
		"cmd":                     "realm_start_reencryption_maintenance",
		"realm_id":                realmID,
		"encryption_revision":     uint64(2),
		"timestamp":               nowMicros(),
		"per_participant_message": map[string]interface{}{"alice": []byte("msg")},
	}))
	if status, _ := mustDecode(t, startReply).Status(); status != "ok" {
		t.Fatalf("start_reencryption status = %q, want ok", status)
	}

	pollReply := d.Dispatch(context.Background(), alice, mustEncode(t, map[string]interface{}{
		"cmd":             "vlob_poll_changes",
		"realm_id":        realmID,
		"last_checkpoint": uint64(0),
	}))
	if status, _ := mustDecode(t, pollReply).Status(); status != "in_maintenance" {
		t.Fatalf("status = %q, want in_maintenance", status)
	}
}
