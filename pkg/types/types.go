package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OrganizationID names an organization shard. Organizations are disjoint
// top-level containers for realms, vlobs, users, and devices; nothing is
// ever shared across organization boundaries.
type OrganizationID string

// UserID identifies a human account within an organization.
type UserID string

// DeviceID identifies one of a user's enrolled devices. By convention a
// DeviceID embeds its owning UserID ("alice@laptop"); parsecd does not
// validate that format, but it derives the acting user for role checks with
// UserOf.
type DeviceID string

// UserOf returns the UserID portion of a DeviceID formatted as
// "user@device". Returns the full string unchanged if it contains no '@'.
func (d DeviceID) UserOf() UserID {
	s := string(d)
	for i := 0; i < len(s); i++ {
		if s[i] == '@' {
			return UserID(s[:i])
		}
	}
	return UserID(s)
}

// RealmID identifies a realm: a shared group of encrypted data with its own
// role-based ACL and encryption epoch.
type RealmID uuid.UUID

// VlobID identifies a single versioned blob within a realm.
type VlobID uuid.UUID

func (r RealmID) String() string { return uuid.UUID(r).String() }
func (v VlobID) String() string  { return uuid.UUID(v).String() }

// NewRealmID generates a fresh random RealmID.
func NewRealmID() RealmID { return RealmID(uuid.New()) }

// NewVlobID generates a fresh random VlobID.
func NewVlobID() VlobID { return VlobID(uuid.New()) }

// Version is a 1-indexed, monotonically growing vlob version number. The
// zero value is invalid; the first committed version is 1.
type Version uint64

// EncryptionRevision names the realm key generation a vlob version was
// written under. The zero value is invalid; a freshly created realm starts
// at revision 1 and each completed reencryption increments it by one.
type EncryptionRevision uint64

// Timestamp is a UTC timestamp truncated to microsecond precision, matching
// the resolution the wire codec preserves.
type Timestamp struct {
	time.Time
}

// NewTimestamp truncates t to UTC microsecond precision.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Microsecond)}
}

// Now returns the current time as a Timestamp.
func Now() Timestamp { return NewTimestamp(time.Now()) }

// Before reports whether t is strictly earlier than other.
func (t Timestamp) Before(other Timestamp) bool { return t.Time.Before(other.Time) }

// After reports whether t is strictly later than other.
func (t Timestamp) After(other Timestamp) bool { return t.Time.After(other.Time) }

// RealmRole is the role a user holds on a realm. The zero value (empty
// string) is never a valid granted role; use RoleNone to denote "no
// current membership" explicitly where that distinction matters.
type RealmRole string

const (
	RoleOwner       RealmRole = "OWNER"
	RoleManager     RealmRole = "MANAGER"
	RoleContributor RealmRole = "CONTRIBUTOR"
	RoleReader      RealmRole = "READER"

	// RoleNone denotes an explicit revocation certificate (role: None in
	// the spec) rather than the absence of any certificate at all.
	RoleNone RealmRole = ""
)

// Valid reports whether r is one of the four granted roles.
func (r RealmRole) Valid() bool {
	switch r {
	case RoleOwner, RoleManager, RoleContributor, RoleReader:
		return true
	default:
		return false
	}
}

// CanGrant reports whether a user holding role r is permitted to grant or
// revoke the target role. Only OWNER may grant OWNER or MANAGER; MANAGER
// may grant CONTRIBUTOR or READER and may issue a revocation (target
// RoleNone). The check looks only at the target role, not at the role the
// revoked user currently holds.
func (r RealmRole) CanGrant(target RealmRole) bool {
	switch r {
	case RoleOwner:
		return true
	case RoleManager:
		return target == RoleContributor || target == RoleReader || target == RoleNone
	default:
		return false
	}
}

// MaintenanceType enumerates the kinds of realm maintenance. Reencryption
// is the only kind the spec defines.
type MaintenanceType string

const (
	MaintenanceReencryption MaintenanceType = "REENCRYPTION"
)

// OperationKind classifies a realm operation for the access-rights policy.
type OperationKind string

const (
	OpDataRead    OperationKind = "DATA_READ"
	OpDataWrite   OperationKind = "DATA_WRITE"
	OpMaintenance OperationKind = "MAINTENANCE"
)

// VlobEntry identifies one version of one vlob, used throughout the
// reencryption staging area and batch APIs.
type VlobEntry struct {
	VlobID  VlobID
	Version Version
}

// String renders the entry as "<vlob-id>:<version>", used as a map key
// where a comparable key is more convenient than the struct itself.
func (e VlobEntry) String() string {
	return fmt.Sprintf("%s:%d", uuid.UUID(e.VlobID).String(), e.Version)
}
