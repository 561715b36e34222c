package policy

import (
	"testing"

	"github.com/parsec-cloud/parsecd/pkg/types"
)

func TestCheckUnknownRealm(t *testing.T) {
	got := Check(types.RoleOwner, types.OpDataRead, RealmSnapshot{Exists: false})
	if got != NotFound {
		t.Fatalf("got %v, want NotFound", got)
	}
}

func TestCheckNoRoleIsNotAllowed(t *testing.T) {
	got := Check(types.RoleNone, types.OpDataRead, RealmSnapshot{Exists: true, Status: RealmNormal})
	if got != NotAllowed {
		t.Fatalf("got %v, want NotAllowed", got)
	}
}

func TestCheckReadAllowedForEveryRole(t *testing.T) {
	for _, role := range []types.RealmRole{types.RoleReader, types.RoleContributor, types.RoleManager, types.RoleOwner} {
		got := Check(role, types.OpDataRead, RealmSnapshot{Exists: true, Status: RealmNormal})
		if got != Ok {
			t.Fatalf("role %v: got %v, want Ok", role, got)
		}
	}
}

func TestCheckReadAllowedDuringMaintenance(t *testing.T) {
	got := Check(types.RoleReader, types.OpDataRead, RealmSnapshot{Exists: true, Status: RealmMaintenance})
	if got != Ok {
		t.Fatalf("got %v, want Ok", got)
	}
}

func TestCheckWriteRequiresContributorOrAbove(t *testing.T) {
	got := Check(types.RoleReader, types.OpDataWrite, RealmSnapshot{Exists: true, Status: RealmNormal})
	if got != NotAllowed {
		t.Fatalf("reader write: got %v, want NotAllowed", got)
	}

	got = Check(types.RoleContributor, types.OpDataWrite, RealmSnapshot{Exists: true, Status: RealmNormal})
	if got != Ok {
		t.Fatalf("contributor write: got %v, want Ok", got)
	}
}

func TestCheckWriteForbiddenDuringMaintenance(t *testing.T) {
	got := Check(types.RoleOwner, types.OpDataWrite, RealmSnapshot{Exists: true, Status: RealmMaintenance})
	if got != InMaintenance {
		t.Fatalf("got %v, want InMaintenance", got)
	}
}

func TestCheckMaintenanceRequiresOwner(t *testing.T) {
	got := Check(types.RoleManager, types.OpMaintenance, RealmSnapshot{Exists: true, Status: RealmNormal})
	if got != NotAllowed {
		t.Fatalf("manager: got %v, want NotAllowed", got)
	}

	got = Check(types.RoleOwner, types.OpMaintenance, RealmSnapshot{Exists: true, Status: RealmNormal})
	if got != Ok {
		t.Fatalf("owner: got %v, want Ok", got)
	}
}
