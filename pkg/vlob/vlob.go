package vlob

import (
	"errors"
	"fmt"

	"github.com/parsec-cloud/parsecd/pkg/ballpark"
	"github.com/parsec-cloud/parsecd/pkg/events"
	"github.com/parsec-cloud/parsecd/pkg/metrics"
	"github.com/parsec-cloud/parsecd/pkg/policy"
	"github.com/parsec-cloud/parsecd/pkg/realm"
	"github.com/parsec-cloud/parsecd/pkg/storage"
	"github.com/parsec-cloud/parsecd/pkg/types"
)

var (
	ErrNotFound             = errors.New("vlob: not found")
	ErrAlreadyExists        = errors.New("vlob: already exists")
	ErrBadVersion           = errors.New("vlob: bad version")
	ErrBadEncryptionRevision = errors.New("vlob: bad encryption revision")
	ErrNotAllowed           = errors.New("vlob: not allowed")
	ErrInMaintenance        = errors.New("vlob: in maintenance")
	ErrBadTimestamp         = errors.New("vlob: bad timestamp")
	ErrMaintenanceError     = errors.New("vlob: maintenance precondition failed")
)

// ReadResult is the reply payload of Read.
type ReadResult struct {
	Version   types.Version
	Blob      []byte
	Author    types.DeviceID
	Timestamp types.Timestamp
}

// BatchEntry is one (vlob_id, version, ciphertext) triple exchanged during
// reencryption.
type BatchEntry struct {
	VlobID  types.VlobID
	Version types.Version
	Data    []byte
}

// Component implements vlob create/read/update, checkpoint polling, and
// the reencryption batch exchange.
type Component struct {
	store          storage.Store
	realms         *realm.Component
	events         *events.Broker
	ballparkWindow int64
}

// New builds a Component. ballparkWindowSeconds is the tolerance Create
// and Update enforce between a write's timestamp and server time; pass
// ballpark.DefaultWindow in production, 0 to disable the check in tests.
func New(store storage.Store, realms *realm.Component, bus *events.Broker, ballparkWindowSeconds int64) *Component {
	return &Component{store: store, realms: realms, events: bus, ballparkWindow: ballparkWindowSeconds}
}

// CheckBallpark validates a client-supplied timestamp against server time.
// Create and Update used to run this check themselves, but that reads the
// wall clock at the moment of the call: fine for a single node, but once a
// command is proposed through the replicated backend (pkg/corefsm) the
// same call runs again on every follower replaying the log, each at its
// own wall-clock moment, and a check result is no longer guaranteed to
// agree with the leader's. Callers now run it once before proposing, and
// Create/Update trust the timestamp they are handed.
func (c *Component) CheckBallpark(timestamp types.Timestamp) error {
	if !ballpark.Check(timestamp, types.Now(), c.ballparkWindow) {
		return ErrBadTimestamp
	}
	return nil
}

// Create appends the first version of a new vlob, creating its realm
// implicitly (granting author OWNER) if this is the first vlob ever
// written to that realm.
func (c *Component) Create(org types.OrganizationID, author types.DeviceID, realmID types.RealmID, vlobID types.VlobID, timestamp types.Timestamp, blob []byte, rev types.EncryptionRevision) error {
	existing, err := c.realms.Record(org, realmID)
	switch {
	case err == nil:
		if rev != existing.EncryptionRevision {
			return ErrBadEncryptionRevision
		}
	case errors.Is(err, realm.ErrNotFound):
		// Nothing has ever been written to this realm: Create is the one
		// path that implicitly materializes it, but only at revision 1 -
		// rejecting any other revision here, before EnsureCreated runs,
		// keeps a bad vlob_create from granting the author OWNER on a
		// realm that should never have come into existence.
		if rev != 1 {
			return ErrBadEncryptionRevision
		}
	default:
		return translateRealmErr(err)
	}

	if _, err := c.realms.EnsureCreated(org, realmID, author, timestamp); err != nil {
		return fmt.Errorf("ensure realm: %w", err)
	}

	unlock := c.realms.Lock(org, realmID)
	defer unlock()

	if err := c.checkAccess(org, realmID, author, types.OpDataWrite); err != nil {
		return err
	}

	realmRecord, err := c.realms.Record(org, realmID)
	if err != nil {
		return translateRealmErr(err)
	}
	if rev != realmRecord.EncryptionRevision {
		return ErrBadEncryptionRevision
	}

	record := &storage.VlobRecord{
		Organization: org,
		ID:           vlobID,
		RealmID:      realmID,
		Versions: []storage.VlobVersionRecord{{
			Blob:               blob,
			Author:             author,
			Timestamp:          timestamp,
			EncryptionRevision: rev,
		}},
	}
	if err := c.store.CreateVlob(record); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create vlob: %w", err)
	}
	metrics.VlobsTotal.Inc()
	metrics.VlobVersionsTotal.WithLabelValues("create").Inc()

	checkpoint, err := c.store.AppendChange(org, realmID, vlobID, 1, author)
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	metrics.CheckpointTotal.WithLabelValues(realmID.String()).Set(float64(checkpoint))

	c.events.Publish(events.Event{
		Type:         events.RealmVlobsUpdated,
		Organization: org,
		RealmID:      realmID,
		Checkpoint:   checkpoint,
		VlobID:       vlobID,
		Version:      1,
		Author:       author,
	})
	return nil
}

// Read returns one stored version of a vlob. A nil version means "latest";
// a nil rev means "whatever encryption revision is currently stored",
// skipping the revision check entirely.
func (c *Component) Read(org types.OrganizationID, author types.DeviceID, vlobID types.VlobID, version *types.Version, rev *types.EncryptionRevision) (ReadResult, error) {
	record, err := c.store.GetVlob(org, vlobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ReadResult{}, ErrNotFound
		}
		return ReadResult{}, fmt.Errorf("get vlob: %w", err)
	}

	if err := c.checkAccess(org, record.RealmID, author, types.OpDataRead); err != nil {
		return ReadResult{}, err
	}

	idx := len(record.Versions) - 1
	wantVersion := types.Version(len(record.Versions))
	if version != nil {
		idx = int(*version) - 1
		wantVersion = *version
	}
	if idx < 0 || idx >= len(record.Versions) {
		return ReadResult{}, ErrBadVersion
	}
	v := record.Versions[idx]

	if rev != nil && *rev != v.EncryptionRevision {
		return ReadResult{}, ErrBadEncryptionRevision
	}

	return ReadResult{Version: wantVersion, Blob: v.Blob, Author: v.Author, Timestamp: v.Timestamp}, nil
}

// Update appends a new version to an existing vlob. version must equal
// the vlob's current version count plus one; anything else is a lost
// race and the caller is expected to re-read and retry.
func (c *Component) Update(org types.OrganizationID, author types.DeviceID, vlobID types.VlobID, version types.Version, timestamp types.Timestamp, blob []byte, rev types.EncryptionRevision) error {
	record, err := c.store.GetVlob(org, vlobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("get vlob: %w", err)
	}
	realmID := record.RealmID

	unlock := c.realms.Lock(org, realmID)
	defer unlock()

	if err := c.checkAccess(org, realmID, author, types.OpDataWrite); err != nil {
		return err
	}

	realmRecord, err := c.realms.Record(org, realmID)
	if err != nil {
		return translateRealmErr(err)
	}
	if rev != realmRecord.EncryptionRevision {
		return ErrBadEncryptionRevision
	}

	err = c.store.AppendVlobVersion(org, vlobID, version, storage.VlobVersionRecord{
		Blob:               blob,
		Author:             author,
		Timestamp:          timestamp,
		EncryptionRevision: rev,
	})
	if err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			metrics.VlobVersionConflictsTotal.Inc()
			return ErrBadVersion
		}
		return fmt.Errorf("append vlob version: %w", err)
	}
	metrics.VlobVersionsTotal.WithLabelValues("update").Inc()

	checkpoint, err := c.store.AppendChange(org, realmID, vlobID, version, author)
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	metrics.CheckpointTotal.WithLabelValues(realmID.String()).Set(float64(checkpoint))

	c.events.Publish(events.Event{
		Type:         events.RealmVlobsUpdated,
		Organization: org,
		RealmID:      realmID,
		Checkpoint:   checkpoint,
		VlobID:       vlobID,
		Version:      version,
		Author:       author,
	})
	return nil
}

// PollChanges returns the realm's current checkpoint and the maximum
// version observed per vlob changed since lastCheckpoint. Unlike a plain
// data read, polling is refused outright while the realm is under
// maintenance: no ordinary changes can occur during maintenance, so a
// caller polling then is almost always racing a stale view of the realm.
func (c *Component) PollChanges(org types.OrganizationID, author types.DeviceID, realmID types.RealmID, lastCheckpoint uint64) (uint64, map[types.VlobID]types.Version, error) {
	snap, err := c.realms.Snapshot(org, realmID)
	if err != nil {
		return 0, nil, translateRealmErr(err)
	}
	if !snap.Exists {
		return 0, nil, ErrNotFound
	}
	role, err := c.realms.CurrentRole(org, realmID, author.UserOf())
	if err != nil && !errors.Is(err, realm.ErrNotFound) {
		return 0, nil, fmt.Errorf("current role: %w", err)
	}
	if role == types.RoleNone {
		return 0, nil, ErrNotAllowed
	}
	if snap.Status == policy.RealmMaintenance {
		return 0, nil, ErrInMaintenance
	}

	current, err := c.store.CurrentCheckpoint(org, realmID)
	if err != nil {
		return 0, nil, fmt.Errorf("current checkpoint: %w", err)
	}

	changes, err := c.store.ListChangesSince(org, realmID, lastCheckpoint)
	if err != nil {
		return 0, nil, fmt.Errorf("list changes: %w", err)
	}

	out := make(map[types.VlobID]types.Version, len(changes))
	for _, ch := range changes {
		if ch.Version > out[ch.VlobID] {
			out[ch.VlobID] = ch.Version
		}
	}
	return current, out, nil
}

// MaintenanceGetBatch returns up to size still-unmigrated entries for a
// realm under reencryption to rev. Calling repeatedly without an
// intervening MaintenanceSaveBatch returns the same head set, since the
// staging area is only mutated by saves.
func (c *Component) MaintenanceGetBatch(org types.OrganizationID, author types.DeviceID, realmID types.RealmID, rev types.EncryptionRevision, size int) ([]BatchEntry, error) {
	if err := c.checkMaintenanceAccess(org, realmID, author, rev); err != nil {
		return nil, err
	}

	entries, err := c.store.StagingBatch(org, realmID, size)
	if err != nil {
		return nil, fmt.Errorf("staging batch: %w", err)
	}
	metrics.ReencryptionBatchesFetched.Inc()

	out := make([]BatchEntry, len(entries))
	for i, e := range entries {
		out[i] = BatchEntry{VlobID: e.VlobID, Version: e.Version, Data: e.Data}
	}
	return out, nil
}

// MaintenanceSaveBatch replaces the ciphertext of each listed entry and
// marks it migrated, returning the cumulative total/done counters.
// Entries no longer present in staging (already migrated by an earlier,
// possibly retried, save) are silently skipped.
func (c *Component) MaintenanceSaveBatch(org types.OrganizationID, author types.DeviceID, realmID types.RealmID, rev types.EncryptionRevision, batch []BatchEntry) (total, done int, err error) {
	unlock := c.realms.Lock(org, realmID)
	defer unlock()

	if err := c.checkMaintenanceAccess(org, realmID, author, rev); err != nil {
		return 0, 0, err
	}

	entries := make([]storage.StagingEntry, len(batch))
	for i, e := range batch {
		entries[i] = storage.StagingEntry{VlobID: e.VlobID, Version: e.Version, Data: e.Data}
	}
	if err := c.store.SaveStagingBatch(org, realmID, rev, entries); err != nil {
		return 0, 0, fmt.Errorf("save staging batch: %w", err)
	}
	metrics.ReencryptionEntriesMigrated.Add(float64(len(entries)))

	total, done, err = c.store.StagingProgress(org, realmID)
	if err != nil {
		return 0, 0, fmt.Errorf("staging progress: %w", err)
	}
	remaining, err := c.store.StagingRemaining(org, realmID)
	if err == nil {
		metrics.ReencryptionInProgress.WithLabelValues(realmID.String()).Set(float64(remaining))
	}
	return total, done, nil
}

// InitStaging seeds the staging area with every version stored at oldRev
// across the whole realm, called by pkg/maintenance when reencryption
// starts.
func (c *Component) InitStaging(org types.OrganizationID, realmID types.RealmID, oldRev types.EncryptionRevision, newRev types.EncryptionRevision) error {
	entries, err := c.collectStageable(org, realmID, oldRev)
	if err != nil {
		return err
	}
	if err := c.store.InitStaging(org, realmID, newRev, entries); err != nil {
		return fmt.Errorf("init staging: %w", err)
	}
	return nil
}

func (c *Component) collectStageable(org types.OrganizationID, realmID types.RealmID, oldRev types.EncryptionRevision) ([]storage.StagingEntry, error) {
	// The change log enumerates every (vlob_id, version) pair ever written
	// to the realm, which is exactly the full vlob-version set spec §4.3
	// asks start_reencryption to stage.
	changes, err := c.store.ListChangesSince(org, realmID, 0)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}

	var entries []storage.StagingEntry
	seen := make(map[string]bool)
	for _, ch := range changes {
		key := fmt.Sprintf("%s:%d", ch.VlobID.String(), ch.Version)
		if seen[key] {
			continue
		}
		seen[key] = true

		vlob, err := c.store.GetVlob(org, ch.VlobID)
		if err != nil {
			return nil, fmt.Errorf("get vlob %s: %w", ch.VlobID, err)
		}
		idx := int(ch.Version) - 1
		if idx < 0 || idx >= len(vlob.Versions) {
			continue
		}
		entries = append(entries, storage.StagingEntry{
			VlobID:  ch.VlobID,
			Version: ch.Version,
			Data:    vlob.Versions[idx].Blob,
		})
	}
	return entries, nil
}

// Remaining reports the number of unmigrated entries in realm's staging
// area, used by pkg/maintenance to decide whether finish_reencryption may
// proceed.
func (c *Component) Remaining(org types.OrganizationID, realmID types.RealmID) (int, error) {
	n, err := c.store.StagingRemaining(org, realmID)
	if err != nil {
		return 0, fmt.Errorf("staging remaining: %w", err)
	}
	return n, nil
}

// ClearStaging discards realm's staging area, called once finish_reencryption
// has confirmed it is empty.
func (c *Component) ClearStaging(org types.OrganizationID, realmID types.RealmID) error {
	if err := c.store.ClearStaging(org, realmID); err != nil {
		return fmt.Errorf("clear staging: %w", err)
	}
	return nil
}

func (c *Component) checkAccess(org types.OrganizationID, realmID types.RealmID, author types.DeviceID, op types.OperationKind) error {
	snap, err := c.realms.Snapshot(org, realmID)
	if err != nil {
		return translateRealmErr(err)
	}
	role, err := c.realms.CurrentRole(org, realmID, author.UserOf())
	if err != nil && !errors.Is(err, realm.ErrNotFound) {
		return fmt.Errorf("current role: %w", err)
	}

	switch policy.Check(role, op, snap) {
	case policy.Ok:
		return nil
	case policy.NotAllowed:
		return ErrNotAllowed
	case policy.InMaintenance:
		return ErrInMaintenance
	default:
		return ErrNotFound
	}
}

func (c *Component) checkMaintenanceAccess(org types.OrganizationID, realmID types.RealmID, author types.DeviceID, rev types.EncryptionRevision) error {
	if err := c.checkAccess(org, realmID, author, types.OpMaintenance); err != nil {
		return err
	}
	realmRecord, err := c.realms.Record(org, realmID)
	if err != nil {
		return translateRealmErr(err)
	}
	if realmRecord.Status != storage.RealmMaintenance {
		return ErrMaintenanceError
	}
	if rev != realmRecord.EncryptionRevision {
		return ErrBadEncryptionRevision
	}
	return nil
}

func translateRealmErr(err error) error {
	if errors.Is(err, realm.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("realm: %w", err)
}
