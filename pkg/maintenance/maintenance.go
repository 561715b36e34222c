package maintenance

import (
	"errors"
	"fmt"

	"github.com/parsec-cloud/parsecd/pkg/messages"
	"github.com/parsec-cloud/parsecd/pkg/policy"
	"github.com/parsec-cloud/parsecd/pkg/realm"
	"github.com/parsec-cloud/parsecd/pkg/types"
	"github.com/parsec-cloud/parsecd/pkg/vlob"
)

var (
	ErrNotFound             = errors.New("maintenance: not found")
	ErrNotAllowed           = errors.New("maintenance: not allowed")
	ErrInMaintenance        = errors.New("maintenance: already in maintenance")
	ErrBadEncryptionRevision = errors.New("maintenance: bad encryption revision")
	ErrParticipantsMismatch = errors.New("maintenance: realm participants and message recipients mismatch")
	ErrMaintenanceError     = errors.New("maintenance: precondition failed")
)

// Controller orchestrates the reencryption state machine across the
// realm and vlob components.
type Controller struct {
	realms   *realm.Component
	vlobs    *vlob.Component
	inbox    *messages.Inbox
}

// New builds a Controller.
func New(realms *realm.Component, vlobs *vlob.Component, inbox *messages.Inbox) *Controller {
	return &Controller{realms: realms, vlobs: vlobs, inbox: inbox}
}

// StartReencryption begins reencrypting realmID from its current
// revision to newRev. perParticipantMessages must carry exactly one
// opaque message per user currently holding a non-None role on the realm;
// each is deposited in the messages subsystem for that user's other
// devices to collect.
func (ctl *Controller) StartReencryption(org types.OrganizationID, owner types.DeviceID, realmID types.RealmID, newRev types.EncryptionRevision, timestamp types.Timestamp, perParticipantMessages map[types.UserID][]byte) error {
	if err := ctl.checkOwner(org, realmID, owner); err != nil {
		return err
	}

	participants, err := ctl.realms.Participants(org, realmID)
	if err != nil {
		return fmt.Errorf("participants: %w", err)
	}
	if !sameUserSet(participants, perParticipantMessages) {
		return ErrParticipantsMismatch
	}

	record, err := ctl.realms.Record(org, realmID)
	if err != nil {
		return translateRealmErr(err)
	}
	oldRev := record.EncryptionRevision

	if err := ctl.realms.BeginMaintenance(org, realmID, owner, newRev, timestamp); err != nil {
		return translateRealmErr(err)
	}

	if err := ctl.vlobs.InitStaging(org, realmID, oldRev, newRev); err != nil {
		return fmt.Errorf("init staging: %w", err)
	}

	for user, body := range perParticipantMessages {
		ctl.inbox.Deposit(org, user, messages.Message{Sender: owner, Body: body, Timestamp: timestamp})
	}
	return nil
}

// FinishReencryption completes reencryption to rev, failing with
// ErrMaintenanceError if any staged entry is still unmigrated.
func (ctl *Controller) FinishReencryption(org types.OrganizationID, owner types.DeviceID, realmID types.RealmID, rev types.EncryptionRevision) error {
	if err := ctl.checkOwner(org, realmID, owner); err != nil {
		return err
	}

	remaining, err := ctl.vlobs.Remaining(org, realmID)
	if err != nil {
		return fmt.Errorf("remaining: %w", err)
	}
	if remaining > 0 {
		return ErrMaintenanceError
	}

	if err := ctl.realms.FinishMaintenance(org, realmID, rev, owner); err != nil {
		return translateRealmErr(err)
	}

	if err := ctl.vlobs.ClearStaging(org, realmID); err != nil {
		return fmt.Errorf("clear staging: %w", err)
	}
	return nil
}

func (ctl *Controller) checkOwner(org types.OrganizationID, realmID types.RealmID, device types.DeviceID) error {
	snap, err := ctl.realms.Snapshot(org, realmID)
	if err != nil {
		return translateRealmErr(err)
	}
	role, err := ctl.realms.CurrentRole(org, realmID, device.UserOf())
	if err != nil && !errors.Is(err, realm.ErrNotFound) {
		return fmt.Errorf("current role: %w", err)
	}

	switch policy.Check(role, types.OpMaintenance, snap) {
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

func sameUserSet(participants map[types.UserID]types.RealmRole, msgs map[types.UserID][]byte) bool {
	if len(participants) != len(msgs) {
		return false
	}
	for user := range participants {
		if _, ok := msgs[user]; !ok {
			return false
		}
	}
	return true
}

func translateRealmErr(err error) error {
	switch {
	case errors.Is(err, realm.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, realm.ErrBadEncryptionRevision):
		return ErrBadEncryptionRevision
	case errors.Is(err, realm.ErrInMaintenance):
		return ErrInMaintenance
	case errors.Is(err, realm.ErrNotAllowed):
		return ErrNotAllowed
	default:
		return fmt.Errorf("realm: %w", err)
	}
}
