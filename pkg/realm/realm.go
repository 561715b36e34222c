package realm

import (
	"errors"
	"fmt"

	"github.com/parsec-cloud/parsecd/pkg/events"
	"github.com/parsec-cloud/parsecd/pkg/metrics"
	"github.com/parsec-cloud/parsecd/pkg/policy"
	"github.com/parsec-cloud/parsecd/pkg/storage"
	"github.com/parsec-cloud/parsecd/pkg/types"
)

var (
	ErrNotFound               = errors.New("realm: not found")
	ErrNotAllowed             = errors.New("realm: not allowed")
	ErrInMaintenance          = errors.New("realm: in maintenance")
	ErrAlreadyGranted         = errors.New("realm: role already granted")
	ErrRequireGreaterTimestamp = errors.New("realm: timestamp must be strictly greater than the latest certificate")
	ErrInvalidCertification   = errors.New("realm: invalid role certificate")
	// ErrIncompatibleProfile is reserved for organizations that restrict
	// certain user profiles from holding MANAGER/OWNER roles. This backend
	// does not model user profiles, so update_roles never returns it; it
	// exists so a profile subsystem can be added later without changing
	// the component's error surface.
	ErrIncompatibleProfile = errors.New("realm: incompatible user profile")
	ErrBadEncryptionRevision = errors.New("realm: bad encryption revision")
	ErrMaintenanceError     = errors.New("realm: maintenance precondition failed")
	ErrAlreadyExists        = errors.New("realm: already exists")
)

// Status is the caller-visible maintenance status of a realm.
type Status struct {
	InMaintenance      bool
	MaintenanceType    types.MaintenanceType
	StartedBy          types.DeviceID
	StartedOn          types.Timestamp
	EncryptionRevision types.EncryptionRevision
}

// Component implements realm existence, the role certificate log, and the
// NORMAL/MAINTENANCE status state machine, serializing mutations per
// (organization, realm).
type Component struct {
	store  storage.Store
	events *events.Broker
	locks  *keyedLocks
}

// New builds a Component backed by store, publishing role/maintenance
// notifications to bus.
func New(store storage.Store, bus *events.Broker) *Component {
	return &Component{store: store, events: bus, locks: newKeyedLocks()}
}

func lockKey(org types.OrganizationID, realmID types.RealmID) string {
	return string(org) + "|" + realmID.String()
}

// CurrentRole returns the role user currently holds on realmID, RoleNone
// if the realm exists but the user has never been granted a role.
func (c *Component) CurrentRole(org types.OrganizationID, realmID types.RealmID, user types.UserID) (types.RealmRole, error) {
	certs, err := c.store.ListCertificates(org, realmID, types.Timestamp{})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return types.RoleNone, ErrNotFound
		}
		return types.RoleNone, fmt.Errorf("list certificates: %w", err)
	}

	role := types.RoleNone
	for _, cert := range certs {
		if cert.GrantedTo == user {
			role = cert.Role
		}
	}
	return role, nil
}

// Participants returns every user currently holding a non-None role on
// realmID, keyed by user id. Used by pkg/maintenance to validate that
// start_reencryption's per-user message set matches the realm's actual
// membership exactly.
func (c *Component) Participants(org types.OrganizationID, realmID types.RealmID) (map[types.UserID]types.RealmRole, error) {
	certs, err := c.store.ListCertificates(org, realmID, types.Timestamp{})
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}

	roles := make(map[types.UserID]types.RealmRole)
	for _, cert := range certs {
		roles[cert.GrantedTo] = cert.Role
	}
	for user, role := range roles {
		if role == types.RoleNone {
			delete(roles, user)
		}
	}
	return roles, nil
}

// snapshot loads the policy.RealmSnapshot for a realm, translating a
// missing realm into policy.NotFound via an empty snapshot.
func (c *Component) snapshot(org types.OrganizationID, realmID types.RealmID) (policy.RealmSnapshot, *storage.Realm, error) {
	r, err := c.store.GetRealm(org, realmID)
	if errors.Is(err, storage.ErrNotFound) {
		return policy.RealmSnapshot{Exists: false}, nil, nil
	}
	if err != nil {
		return policy.RealmSnapshot{}, nil, fmt.Errorf("get realm: %w", err)
	}
	status := policy.RealmNormal
	if r.Status == storage.RealmMaintenance {
		status = policy.RealmMaintenance
	}
	return policy.RealmSnapshot{Exists: true, Status: status}, r, nil
}

// GetRoleCertificates returns every certificate granted after since,
// requiring that user currently hold any non-None role on the realm.
func (c *Component) GetRoleCertificates(org types.OrganizationID, user types.UserID, realmID types.RealmID, since types.Timestamp) ([]*storage.Certificate, error) {
	snap, _, err := c.snapshot(org, realmID)
	if err != nil {
		return nil, err
	}
	role, err := c.roleOrNone(org, realmID, user, snap)
	if err != nil {
		return nil, err
	}
	if policy.Check(role, types.OpDataRead, snap) == policy.NotFound {
		return nil, ErrNotFound
	}
	if role == types.RoleNone {
		return nil, ErrNotAllowed
	}

	certs, err := c.store.ListCertificates(org, realmID, since)
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}
	return certs, nil
}

func (c *Component) roleOrNone(org types.OrganizationID, realmID types.RealmID, user types.UserID, snap policy.RealmSnapshot) (types.RealmRole, error) {
	if !snap.Exists {
		return types.RoleNone, nil
	}
	role, err := c.CurrentRole(org, realmID, user)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return types.RoleNone, err
	}
	return role, nil
}

// UpdateRoles grants or revokes (role == RoleNone) a role for user, acting
// as authorDevice, appending a new certificate to the realm's log.
func (c *Component) UpdateRoles(org types.OrganizationID, authorDevice types.DeviceID, realmID types.RealmID, user types.UserID, role types.RealmRole, timestamp types.Timestamp, signature []byte) error {
	unlock := c.locks.lock(lockKey(org, realmID))
	defer unlock()

	snap, stored, err := c.snapshot(org, realmID)
	if err != nil {
		return err
	}
	if !snap.Exists {
		return ErrNotFound
	}

	author := authorDevice.UserOf()
	authorRole, err := c.CurrentRole(org, realmID, author)
	if err != nil {
		return err
	}
	if !authorRole.CanGrant(role) {
		return ErrNotAllowed
	}
	if stored.Status == storage.RealmMaintenance {
		return ErrInMaintenance
	}
	if len(signature) == 0 {
		return ErrInvalidCertification
	}

	currentRole, err := c.CurrentRole(org, realmID, user)
	if err != nil {
		return err
	}
	if role != types.RoleNone && currentRole == role {
		return ErrAlreadyGranted
	}

	certs, err := c.store.ListCertificates(org, realmID, types.Timestamp{})
	if err != nil {
		return fmt.Errorf("list certificates: %w", err)
	}
	if len(certs) > 0 {
		latest := certs[len(certs)-1].GrantedOn
		if !timestamp.After(latest) {
			return ErrRequireGreaterTimestamp
		}
	}

	cert := &storage.Certificate{
		GrantedBy: authorDevice,
		GrantedTo: user,
		Role:      role,
		GrantedOn: timestamp,
		Signature: signature,
	}
	if err := c.store.AppendCertificate(org, realmID, cert); err != nil {
		return fmt.Errorf("append certificate: %w", err)
	}
	metrics.RoleCertificatesTotal.Inc()

	c.events.Publish(events.Event{
		Type:         events.RealmRolesUpdated,
		Organization: org,
		RealmID:      realmID,
		User:         user,
		Author:       authorDevice,
	})
	return nil
}

// GetStatus returns the maintenance status visible to user, requiring any
// non-None role on the realm.
func (c *Component) GetStatus(org types.OrganizationID, user types.UserID, realmID types.RealmID) (Status, error) {
	snap, stored, err := c.snapshot(org, realmID)
	if err != nil {
		return Status{}, err
	}
	if !snap.Exists {
		return Status{}, ErrNotFound
	}
	role, err := c.CurrentRole(org, realmID, user)
	if err != nil {
		return Status{}, err
	}
	if role == types.RoleNone {
		return Status{}, ErrNotAllowed
	}

	return Status{
		InMaintenance:      stored.Status == storage.RealmMaintenance,
		MaintenanceType:    stored.MaintenanceType,
		StartedBy:          stored.MaintenanceStartedBy,
		StartedOn:          stored.MaintenanceStartedOn,
		EncryptionRevision: stored.EncryptionRevision,
	}, nil
}

// Create explicitly creates realmID, granting author OWNER at timestamp,
// answering the realm_create command. Unlike EnsureCreated, it rejects a
// realm that already exists instead of silently returning it.
func (c *Component) Create(org types.OrganizationID, author types.DeviceID, realmID types.RealmID, timestamp types.Timestamp) error {
	unlock := c.locks.lock(lockKey(org, realmID))
	defer unlock()

	if _, err := c.store.GetRealm(org, realmID); err == nil {
		return ErrAlreadyExists
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("get realm: %w", err)
	}

	r := &storage.Realm{
		Organization:       org,
		ID:                 realmID,
		CreatedOn:          timestamp,
		EncryptionRevision: 1,
		Status:             storage.RealmNormal,
	}
	if err := c.store.CreateRealm(r); err != nil {
		return fmt.Errorf("create realm: %w", err)
	}
	metrics.RealmsTotal.Inc()

	cert := &storage.Certificate{
		GrantedBy: author,
		GrantedTo: author.UserOf(),
		Role:      types.RoleOwner,
		GrantedOn: timestamp,
	}
	if err := c.store.AppendCertificate(org, realmID, cert); err != nil {
		return fmt.Errorf("append owner certificate: %w", err)
	}
	metrics.RoleCertificatesTotal.Inc()
	return nil
}

// EnsureCreated creates realmID implicitly if it does not yet exist,
// granting author OWNER at timestamp. Used by vlob_create's "create the
// realm implicitly on first write" path. Returns the realm record either
// way.
func (c *Component) EnsureCreated(org types.OrganizationID, realmID types.RealmID, author types.DeviceID, timestamp types.Timestamp) (*storage.Realm, error) {
	unlock := c.locks.lock(lockKey(org, realmID))
	defer unlock()

	existing, err := c.store.GetRealm(org, realmID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("get realm: %w", err)
	}

	realm := &storage.Realm{
		Organization:       org,
		ID:                 realmID,
		CreatedOn:          timestamp,
		EncryptionRevision: 1,
		Status:             storage.RealmNormal,
	}
	if err := c.store.CreateRealm(realm); err != nil {
		return nil, fmt.Errorf("create realm: %w", err)
	}
	metrics.RealmsTotal.Inc()

	cert := &storage.Certificate{
		GrantedBy: author,
		GrantedTo: author.UserOf(),
		Role:      types.RoleOwner,
		GrantedOn: timestamp,
	}
	if err := c.store.AppendCertificate(org, realmID, cert); err != nil {
		return nil, fmt.Errorf("append owner certificate: %w", err)
	}
	metrics.RoleCertificatesTotal.Inc()
	return realm, nil
}

// BeginMaintenance transitions a NORMAL(oldRev) realm to
// MAINTENANCE{REENCRYPTION, newRev}. Called by pkg/maintenance after it has
// validated participant messages and before it stages the vlob versions to
// migrate.
func (c *Component) BeginMaintenance(org types.OrganizationID, realmID types.RealmID, owner types.DeviceID, newRev types.EncryptionRevision, startedOn types.Timestamp) error {
	unlock := c.locks.lock(lockKey(org, realmID))
	defer unlock()

	r, err := c.store.GetRealm(org, realmID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get realm: %w", err)
	}
	if r.Status != storage.RealmNormal {
		return ErrInMaintenance
	}
	if r.EncryptionRevision+1 != newRev {
		return ErrBadEncryptionRevision
	}

	r.Status = storage.RealmMaintenance
	r.MaintenanceType = types.MaintenanceReencryption
	r.MaintenanceStartedBy = owner
	r.MaintenanceStartedOn = startedOn
	r.EncryptionRevision = newRev
	if err := c.store.UpdateRealm(r); err != nil {
		return fmt.Errorf("update realm: %w", err)
	}

	metrics.RealmsInMaintenance.Inc()
	c.events.Publish(events.Event{
		Type:          events.RealmMaintenanceStart,
		Organization:  org,
		RealmID:       realmID,
		Author:        owner,
		EncryptionRev: newRev,
	})
	return nil
}

// FinishMaintenance transitions MAINTENANCE{REENCRYPTION, rev} back to
// NORMAL(rev). Called by pkg/maintenance once it has confirmed the staging
// area is empty.
func (c *Component) FinishMaintenance(org types.OrganizationID, realmID types.RealmID, rev types.EncryptionRevision, author types.DeviceID) error {
	unlock := c.locks.lock(lockKey(org, realmID))
	defer unlock()

	r, err := c.store.GetRealm(org, realmID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get realm: %w", err)
	}
	if r.Status != storage.RealmMaintenance || r.EncryptionRevision != rev {
		return ErrBadEncryptionRevision
	}

	r.Status = storage.RealmNormal
	r.MaintenanceType = ""
	r.MaintenanceStartedBy = ""
	r.MaintenanceStartedOn = types.Timestamp{}
	if err := c.store.UpdateRealm(r); err != nil {
		return fmt.Errorf("update realm: %w", err)
	}

	metrics.RealmsInMaintenance.Dec()
	c.events.Publish(events.Event{
		Type:          events.RealmMaintenanceFinish,
		Organization:  org,
		RealmID:       realmID,
		Author:        author,
		EncryptionRev: rev,
	})
	return nil
}

// Snapshot exposes the policy snapshot for callers outside this package
// (pkg/vlob) that need to run their own policy.Check before mutating.
func (c *Component) Snapshot(org types.OrganizationID, realmID types.RealmID) (policy.RealmSnapshot, error) {
	snap, _, err := c.snapshot(org, realmID)
	return snap, err
}

// Record returns the raw stored realm, for callers (pkg/vlob) that need
// fields policy.RealmSnapshot does not carry, such as the current
// encryption revision.
func (c *Component) Record(org types.OrganizationID, realmID types.RealmID) (*storage.Realm, error) {
	r, err := c.store.GetRealm(org, realmID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get realm: %w", err)
	}
	return r, nil
}

// Lock acquires the per-(organization, realm) critical section, returning
// the unlock function. pkg/vlob uses this so a single logical mutation
// that touches both the vlobs bucket and the realm's checkpoint is
// serialized against concurrent realm/vlob operations alike.
func (c *Component) Lock(org types.OrganizationID, realmID types.RealmID) func() {
	return c.locks.lock(lockKey(org, realmID))
}
