package storage

import (
	"errors"

	"github.com/parsec-cloud/parsecd/pkg/types"
)

// ErrNotFound is returned when a lookup misses. Callers translate it into
// the domain-specific not-found error of their own package.
var ErrNotFound = errors.New("storage: not found")

// ErrAlreadyExists is returned by creates that must not overwrite.
var ErrAlreadyExists = errors.New("storage: already exists")

// ErrVersionConflict is returned by AppendVlobVersion when the caller's
// expected version does not equal len(versions)+1.
var ErrVersionConflict = errors.New("storage: version conflict")

// Organization is the minimal bootstrap-shard record spec §6 names. It
// holds the bootstrap token that pkg/org issues and redeems; invitations
// and device enrollment are not modelled. Realm and vlob operations do not
// read this record.
type Organization struct {
	ID             types.OrganizationID
	BootstrapToken string
	CreatedOn      types.Timestamp
	ExpirationDate *types.Timestamp
}

// RealmStatusKind is the coarse phase of a realm's status.
type RealmStatusKind string

const (
	RealmNormal      RealmStatusKind = "NORMAL"
	RealmMaintenance RealmStatusKind = "MAINTENANCE"
)

// Realm is the persisted realm record: existence, current encryption
// revision, and maintenance status. The role log lives separately in the
// role_certs bucket (Certificate records).
type Realm struct {
	Organization         types.OrganizationID
	ID                   types.RealmID
	CreatedOn            types.Timestamp
	EncryptionRevision   types.EncryptionRevision
	Status               RealmStatusKind
	MaintenanceType       types.MaintenanceType
	MaintenanceStartedBy  types.DeviceID
	MaintenanceStartedOn  types.Timestamp
}

// Certificate is one entry in a realm's append-only role log.
type Certificate struct {
	Index     int
	GrantedBy types.DeviceID
	GrantedTo types.UserID
	Role      types.RealmRole // RoleNone denotes revocation
	GrantedOn types.Timestamp
	Signature []byte
}

// VlobVersionRecord is one stored version of a vlob.
type VlobVersionRecord struct {
	Blob               []byte
	Author             types.DeviceID
	Timestamp          types.Timestamp
	EncryptionRevision types.EncryptionRevision
}

// VlobRecord is the persisted vlob: its owning realm and its 1-indexed,
// gap-free version history.
type VlobRecord struct {
	Organization types.OrganizationID
	ID           types.VlobID
	RealmID      types.RealmID
	Versions     []VlobVersionRecord
}

// Change is one entry in a realm's append-only, gap-free change log.
type Change struct {
	Checkpoint uint64
	VlobID     types.VlobID
	Version    types.Version
	Author     types.DeviceID
}

// StagingEntry is one unmigrated (vlob_id, version) pair awaiting
// reencryption, together with its current ciphertext.
type StagingEntry struct {
	VlobID  types.VlobID
	Version types.Version
	Data    []byte
}

// StagingMeta records the bookkeeping maintenance_save_reencryption_batch
// reports: the target revision, the count at maintenance start, and how
// many have been migrated so far.
type StagingMeta struct {
	TargetRevision types.EncryptionRevision
	Total          int
	Done           int
}

// Store is the persistence interface for parsecd's realm/vlob state. All
// methods are safe for concurrent use; methods documented as atomic
// perform their read-modify-write inside a single storage transaction.
type Store interface {
	// CreateOrganization inserts a new organization. Returns
	// ErrAlreadyExists if the id is already registered.
	CreateOrganization(org *Organization) error
	GetOrganization(id types.OrganizationID) (*Organization, error)
	// UpdateOrganization overwrites an existing organization record (used
	// to consume its bootstrap token). Returns ErrNotFound if it does not
	// exist yet.
	UpdateOrganization(org *Organization) error

	// CreateRealm inserts a new realm. Returns ErrAlreadyExists if the
	// realm already exists.
	CreateRealm(realm *Realm) error
	GetRealm(org types.OrganizationID, id types.RealmID) (*Realm, error)
	// UpdateRealm overwrites the realm record (status transitions,
	// encryption revision bump).
	UpdateRealm(realm *Realm) error

	// AppendCertificate appends a role certificate, assigning it the next
	// dense index for the realm.
	AppendCertificate(org types.OrganizationID, realm types.RealmID, cert *Certificate) error
	// ListCertificates returns certificates with GrantedOn strictly after
	// since, in log order. Pass the zero Timestamp to get the full log.
	ListCertificates(org types.OrganizationID, realm types.RealmID, since types.Timestamp) ([]*Certificate, error)

	// CreateVlob inserts a new vlob with its first version already
	// appended. Returns ErrAlreadyExists if the vlob id is already used
	// anywhere in the organization.
	CreateVlob(vlob *VlobRecord) error
	GetVlob(org types.OrganizationID, id types.VlobID) (*VlobRecord, error)
	// AppendVlobVersion atomically appends a version if expectedVersion
	// equals len(versions)+1, else returns ErrVersionConflict. This is the
	// linearization point for concurrent writers racing on the same vlob.
	AppendVlobVersion(org types.OrganizationID, id types.VlobID, expectedVersion types.Version, v VlobVersionRecord) error
	// ReplaceVlobCiphertext atomically overwrites the blob and encryption
	// revision of one stored version, used by reencryption.
	ReplaceVlobCiphertext(org types.OrganizationID, id types.VlobID, version types.Version, blob []byte, rev types.EncryptionRevision) error

	// AppendChange atomically increments the realm's checkpoint counter
	// and appends the change-log entry, returning the new checkpoint.
	AppendChange(org types.OrganizationID, realm types.RealmID, vlobID types.VlobID, version types.Version, author types.DeviceID) (checkpoint uint64, err error)
	// CurrentCheckpoint returns the realm's current checkpoint (0 if none
	// committed yet).
	CurrentCheckpoint(org types.OrganizationID, realm types.RealmID) (uint64, error)
	// ListChangesSince returns changes with Checkpoint > since, in order.
	ListChangesSince(org types.OrganizationID, realm types.RealmID, since uint64) ([]*Change, error)

	// InitStaging seeds the reencryption staging area for realm with the
	// given entries and records the total count at maintenance start.
	InitStaging(org types.OrganizationID, realm types.RealmID, target types.EncryptionRevision, entries []StagingEntry) error
	// StagingBatch returns up to limit unmigrated entries ordered by
	// (vlob_id, version).
	StagingBatch(org types.OrganizationID, realm types.RealmID, limit int) ([]StagingEntry, error)
	// SaveStagingBatch atomically, for each entry still present in
	// staging: applies ReplaceVlobCiphertext at target revision, removes
	// the staging entry, and increments the done counter. Entries absent
	// from staging (already migrated) are silently ignored.
	SaveStagingBatch(org types.OrganizationID, realm types.RealmID, target types.EncryptionRevision, entries []StagingEntry) error
	// StagingProgress returns the total/done counters recorded by
	// InitStaging/SaveStagingBatch.
	StagingProgress(org types.OrganizationID, realm types.RealmID) (total, done int, err error)
	// StagingRemaining returns the count of entries still unmigrated.
	StagingRemaining(org types.OrganizationID, realm types.RealmID) (int, error)
	// ClearStaging removes all staging entries and metadata for realm,
	// called once finish_reencryption has verified staging is empty.
	ClearStaging(org types.OrganizationID, realm types.RealmID) error

	Close() error
}
