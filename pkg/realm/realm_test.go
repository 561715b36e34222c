package realm

import (
	"testing"
	"time"

	"github.com/parsec-cloud/parsecd/pkg/events"
	"github.com/parsec-cloud/parsecd/pkg/storage"
	"github.com/parsec-cloud/parsecd/pkg/types"
)

func newTestComponent(t *testing.T) (*Component, types.OrganizationID, types.RealmID) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)

	c := New(store, bus)
	org := types.OrganizationID("acme")
	realmID := types.NewRealmID()

	if _, err := c.EnsureCreated(org, realmID, "alice@laptop", types.Now()); err != nil {
		t.Fatalf("EnsureCreated: %v", err)
	}
	return c, org, realmID
}

func TestEnsureCreatedGrantsOwnerAndIsIdempotent(t *testing.T) {
	c, org, realmID := newTestComponent(t)

	role, err := c.CurrentRole(org, realmID, "alice")
	if err != nil {
		t.Fatalf("CurrentRole: %v", err)
	}
	if role != types.RoleOwner {
		t.Fatalf("got role %v, want OWNER", role)
	}

	if _, err := c.EnsureCreated(org, realmID, "alice@laptop", types.Now()); err != nil {
		t.Fatalf("second EnsureCreated: %v", err)
	}
}

func TestUpdateRolesGrantAndAlreadyGranted(t *testing.T) {
	c, org, realmID := newTestComponent(t)
	t0 := types.Now()

	err := c.UpdateRoles(org, "alice@laptop", realmID, "bob", types.RoleReader, types.NewTimestamp(t0.Time.Add(time.Second)), []byte("sig"))
	if err != nil {
		t.Fatalf("UpdateRoles: %v", err)
	}

	role, err := c.CurrentRole(org, realmID, "bob")
	if err != nil {
		t.Fatalf("CurrentRole: %v", err)
	}
	if role != types.RoleReader {
		t.Fatalf("got role %v, want READER", role)
	}

	err = c.UpdateRoles(org, "alice@laptop", realmID, "bob", types.RoleReader, types.NewTimestamp(t0.Time.Add(2*time.Second)), []byte("sig"))
	if err != ErrAlreadyGranted {
		t.Fatalf("got %v, want ErrAlreadyGranted", err)
	}
}

func TestUpdateRolesRequiresGreaterTimestamp(t *testing.T) {
	c, org, realmID := newTestComponent(t)
	past := types.NewTimestamp(types.Now().Time.Add(-time.Hour))

	err := c.UpdateRoles(org, "alice@laptop", realmID, "bob", types.RoleReader, past, []byte("sig"))
	if err != ErrRequireGreaterTimestamp {
		t.Fatalf("got %v, want ErrRequireGreaterTimestamp", err)
	}
}

func TestUpdateRolesRejectsEmptySignature(t *testing.T) {
	c, org, realmID := newTestComponent(t)

	ts := types.NewTimestamp(types.Now().Time.Add(time.Second))
	err := c.UpdateRoles(org, "alice@laptop", realmID, "bob", types.RoleReader, ts, nil)
	if err != ErrInvalidCertification {
		t.Fatalf("got %v, want ErrInvalidCertification", err)
	}
}

func TestUpdateRolesManagerCannotGrantOwner(t *testing.T) {
	c, org, realmID := newTestComponent(t)
	t0 := types.Now().Time

	if err := c.UpdateRoles(org, "alice@laptop", realmID, "bob", types.RoleManager, types.NewTimestamp(t0.Add(time.Second)), []byte("sig")); err != nil {
		t.Fatalf("grant manager: %v", err)
	}
	err := c.UpdateRoles(org, "bob@phone", realmID, "carol", types.RoleOwner, types.NewTimestamp(t0.Add(2*time.Second)), []byte("sig"))
	if err != ErrNotAllowed {
		t.Fatalf("got %v, want ErrNotAllowed", err)
	}
}

func TestMaintenanceLifecycle(t *testing.T) {
	c, org, realmID := newTestComponent(t)

	if err := c.BeginMaintenance(org, realmID, "alice@laptop", 2, types.Now()); err != nil {
		t.Fatalf("BeginMaintenance: %v", err)
	}

	status, err := c.GetStatus(org, "alice", realmID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if !status.InMaintenance || status.EncryptionRevision != 2 {
		t.Fatalf("unexpected status: %+v", status)
	}

	if err := c.BeginMaintenance(org, realmID, "alice@laptop", 3, types.Now()); err != ErrInMaintenance {
		t.Fatalf("double-start: got %v, want ErrInMaintenance", err)
	}

	if err := c.FinishMaintenance(org, realmID, 2, "alice@laptop"); err != nil {
		t.Fatalf("FinishMaintenance: %v", err)
	}

	status, err = c.GetStatus(org, "alice", realmID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.InMaintenance {
		t.Fatalf("expected maintenance to have ended, got %+v", status)
	}
}
