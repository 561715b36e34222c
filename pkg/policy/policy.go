package policy

import "github.com/parsec-cloud/parsecd/pkg/types"

// Decision is the outcome of an access-rights check.
type Decision int

const (
	Ok Decision = iota
	NotAllowed
	InMaintenance
	NotFound
)

func (d Decision) String() string {
	switch d {
	case Ok:
		return "ok"
	case NotAllowed:
		return "not_allowed"
	case InMaintenance:
		return "in_maintenance"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// RealmStatus is the coarse phase of a realm, as far as policy cares.
type RealmStatus string

const (
	RealmNormal      RealmStatus = "NORMAL"
	RealmMaintenance RealmStatus = "MAINTENANCE"
)

// RealmSnapshot is the minimal view of a realm the policy check needs.
// Callers load this under their own critical section; Check itself takes
// no lock and touches no storage.
type RealmSnapshot struct {
	Exists bool
	Status RealmStatus
}

// writeableRoles are the roles DATA_WRITE requires.
var writeableRoles = map[types.RealmRole]bool{
	types.RoleContributor: true,
	types.RoleManager:     true,
	types.RoleOwner:       true,
}

// readableRoles are the roles DATA_READ requires. Every non-None role can
// read, so this is really just "role != RoleNone", spelled out to match
// the table in the access-rights rules one for one.
var readableRoles = map[types.RealmRole]bool{
	types.RoleReader:      true,
	types.RoleContributor: true,
	types.RoleManager:     true,
	types.RoleOwner:       true,
}

// Check decides whether a caller holding role may perform op against a
// realm in the given state.
//
//   - DATA_READ requires any role; reads proceed normally during
//     maintenance (callers needing a specific encryption revision enforce
//     that separately, since a bad revision is BadEncryptionRevision, not
//     an access decision).
//   - DATA_WRITE requires CONTRIBUTOR/MANAGER/OWNER and is forbidden while
//     the realm is under maintenance.
//   - MAINTENANCE requires OWNER. Check only verifies role; which
//     maintenance phase is legal from which realm status (start needs
//     NORMAL, get/save/finish need MAINTENANCE) is a state-machine
//     precondition the maintenance controller enforces itself, since it
//     differs per command rather than per role.
func Check(role types.RealmRole, op types.OperationKind, realm RealmSnapshot) Decision {
	if !realm.Exists {
		return NotFound
	}
	if role == types.RoleNone {
		return NotAllowed
	}

	switch op {
	case types.OpDataRead:
		if !readableRoles[role] {
			return NotAllowed
		}
		return Ok

	case types.OpDataWrite:
		if !writeableRoles[role] {
			return NotAllowed
		}
		if realm.Status == RealmMaintenance {
			return InMaintenance
		}
		return Ok

	case types.OpMaintenance:
		if role != types.RoleOwner {
			return NotAllowed
		}
		return Ok

	default:
		return NotAllowed
	}
}
