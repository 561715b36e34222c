package storage

import (
	"testing"

	"github.com/parsec-cloud/parsecd/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOrganizationRoundTrip(t *testing.T) {
	store := newTestStore(t)
	org := &Organization{ID: "acme", BootstrapToken: "tok", CreatedOn: types.Now()}

	if err := store.CreateOrganization(org); err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}

	got, err := store.GetOrganization("acme")
	if err != nil {
		t.Fatalf("GetOrganization: %v", err)
	}
	if got.BootstrapToken != "tok" {
		t.Fatalf("got token %q, want %q", got.BootstrapToken, "tok")
	}

	if _, err := store.GetOrganization("nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateRealmRejectsDuplicate(t *testing.T) {
	store := newTestStore(t)
	realm := &Realm{Organization: "acme", ID: types.NewRealmID(), CreatedOn: types.Now(), Status: RealmNormal}

	if err := store.CreateRealm(realm); err != nil {
		t.Fatalf("CreateRealm: %v", err)
	}
	if err := store.CreateRealm(realm); err != ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestAppendVlobVersionDetectsConflict(t *testing.T) {
	store := newTestStore(t)
	id := types.NewVlobID()
	vlob := &VlobRecord{
		Organization: "acme",
		ID:           id,
		RealmID:      types.NewRealmID(),
		Versions:     []VlobVersionRecord{{Blob: []byte("v1"), Timestamp: types.Now()}},
	}
	if err := store.CreateVlob(vlob); err != nil {
		t.Fatalf("CreateVlob: %v", err)
	}

	err := store.AppendVlobVersion("acme", id, 2, VlobVersionRecord{Blob: []byte("v2"), Timestamp: types.Now()})
	if err != nil {
		t.Fatalf("AppendVlobVersion: %v", err)
	}

	err = store.AppendVlobVersion("acme", id, 2, VlobVersionRecord{Blob: []byte("stale"), Timestamp: types.Now()})
	if err != ErrVersionConflict {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	got, err := store.GetVlob("acme", id)
	if err != nil {
		t.Fatalf("GetVlob: %v", err)
	}
	if len(got.Versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(got.Versions))
	}
}

func TestAppendChangeIncrementsCheckpoint(t *testing.T) {
	store := newTestStore(t)
	org := types.OrganizationID("acme")
	realm := types.NewRealmID()
	vlobID := types.NewVlobID()

	cp1, err := store.AppendChange(org, realm, vlobID, 1, "alice@laptop")
	if err != nil {
		t.Fatalf("AppendChange: %v", err)
	}
	if cp1 != 1 {
		t.Fatalf("expected checkpoint 1, got %d", cp1)
	}

	cp2, err := store.AppendChange(org, realm, vlobID, 2, "alice@laptop")
	if err != nil {
		t.Fatalf("AppendChange: %v", err)
	}
	if cp2 != 2 {
		t.Fatalf("expected checkpoint 2, got %d", cp2)
	}

	current, err := store.CurrentCheckpoint(org, realm)
	if err != nil {
		t.Fatalf("CurrentCheckpoint: %v", err)
	}
	if current != 2 {
		t.Fatalf("expected current checkpoint 2, got %d", current)
	}

	changes, err := store.ListChangesSince(org, realm, 0)
	if err != nil {
		t.Fatalf("ListChangesSince: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}

	changes, err = store.ListChangesSince(org, realm, 1)
	if err != nil {
		t.Fatalf("ListChangesSince: %v", err)
	}
	if len(changes) != 1 || changes[0].Checkpoint != 2 {
		t.Fatalf("expected only checkpoint 2, got %+v", changes)
	}
}

func TestStagingBatchOrderingAndIdempotence(t *testing.T) {
	store := newTestStore(t)
	org := types.OrganizationID("acme")
	realm := types.NewRealmID()

	vlobA := types.NewVlobID()
	vlobB := types.NewVlobID()
	// Batches are ordered by vlob id string; name the smaller id vlobA.
	if vlobB.String() < vlobA.String() {
		vlobA, vlobB = vlobB, vlobA
	}
	for _, v := range []types.VlobID{vlobA, vlobB} {
		rec := &VlobRecord{
			Organization: org,
			ID:           v,
			RealmID:      realm,
			Versions: []VlobVersionRecord{
				{Blob: []byte("v1"), Timestamp: types.Now()},
				{Blob: []byte("v2"), Timestamp: types.Now()},
			},
		}
		if err := store.CreateVlob(rec); err != nil {
			t.Fatalf("CreateVlob: %v", err)
		}
	}

	entries := []StagingEntry{
		{VlobID: vlobB, Version: 1, Data: []byte("cipher-b1")},
		{VlobID: vlobA, Version: 2, Data: []byte("cipher-a2")},
		{VlobID: vlobA, Version: 1, Data: []byte("cipher-a1")},
	}
	if err := store.InitStaging(org, realm, 2, entries); err != nil {
		t.Fatalf("InitStaging: %v", err)
	}

	batch, err := store.StagingBatch(org, realm, 0)
	if err != nil {
		t.Fatalf("StagingBatch: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(batch))
	}
	if batch[0].VlobID != vlobA || batch[0].Version != 1 {
		t.Fatalf("expected first entry to be vlobA v1, got %+v", batch[0])
	}
	if batch[1].VlobID != vlobA || batch[1].Version != 2 {
		t.Fatalf("expected second entry to be vlobA v2, got %+v", batch[1])
	}

	if err := store.SaveStagingBatch(org, realm, 2, batch[:2]); err != nil {
		t.Fatalf("SaveStagingBatch: %v", err)
	}

	total, done, err := store.StagingProgress(org, realm)
	if err != nil {
		t.Fatalf("StagingProgress: %v", err)
	}
	if total != 3 || done != 2 {
		t.Fatalf("expected total=3 done=2, got total=%d done=%d", total, done)
	}

	// Resubmitting an already-migrated entry must be a no-op, not an error.
	if err := store.SaveStagingBatch(org, realm, 2, batch[:1]); err != nil {
		t.Fatalf("SaveStagingBatch (idempotent resubmit): %v", err)
	}
	_, done, err = store.StagingProgress(org, realm)
	if err != nil {
		t.Fatalf("StagingProgress: %v", err)
	}
	if done != 2 {
		t.Fatalf("expected done to stay at 2 after idempotent resubmit, got %d", done)
	}

	remaining, err := store.StagingRemaining(org, realm)
	if err != nil {
		t.Fatalf("StagingRemaining: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", remaining)
	}

	if err := store.ClearStaging(org, realm); err != nil {
		t.Fatalf("ClearStaging: %v", err)
	}
	remaining, err = store.StagingRemaining(org, realm)
	if err != nil {
		t.Fatalf("StagingRemaining: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected 0 remaining entries after ClearStaging, got %d", remaining)
	}
}

func TestCertificateLogOrderAndIndex(t *testing.T) {
	store := newTestStore(t)
	org := types.OrganizationID("acme")
	realm := types.NewRealmID()

	first := &Certificate{GrantedBy: "alice@laptop", GrantedTo: "bob", Role: types.RoleOwner, GrantedOn: types.Now()}
	if err := store.AppendCertificate(org, realm, first); err != nil {
		t.Fatalf("AppendCertificate: %v", err)
	}
	if first.Index != 0 {
		t.Fatalf("expected index 0, got %d", first.Index)
	}

	second := &Certificate{GrantedBy: "bob@phone", GrantedTo: "carol", Role: types.RoleReader, GrantedOn: types.Now()}
	if err := store.AppendCertificate(org, realm, second); err != nil {
		t.Fatalf("AppendCertificate: %v", err)
	}
	if second.Index != 1 {
		t.Fatalf("expected index 1, got %d", second.Index)
	}

	certs, err := store.ListCertificates(org, realm, types.Timestamp{})
	if err != nil {
		t.Fatalf("ListCertificates: %v", err)
	}
	if len(certs) != 2 {
		t.Fatalf("expected 2 certificates, got %d", len(certs))
	}
}
