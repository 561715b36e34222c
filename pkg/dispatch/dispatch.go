package dispatch

import (
	"context"
	"errors"

	"github.com/parsec-cloud/parsecd/pkg/corefsm"
	"github.com/parsec-cloud/parsecd/pkg/events"
	"github.com/parsec-cloud/parsecd/pkg/log"
	"github.com/parsec-cloud/parsecd/pkg/maintenance"
	"github.com/parsec-cloud/parsecd/pkg/metrics"
	"github.com/parsec-cloud/parsecd/pkg/realm"
	"github.com/parsec-cloud/parsecd/pkg/types"
	"github.com/parsec-cloud/parsecd/pkg/vlob"
	"github.com/parsec-cloud/parsecd/pkg/wire"
)

// DefaultMaxBlobSize is the largest blob vlob_create/vlob_update accepts
// before the dispatcher rejects the frame with bad_message, never handing
// it to pkg/vlob at all.
const DefaultMaxBlobSize = 8 << 20 // 8 MiB

// ClientContext is the authenticated identity the transport layer (today,
// pkg/session) has already established for a connection. The dispatcher
// trusts it as given; it performs no authentication of its own.
type ClientContext struct {
	Organization types.OrganizationID
	Device       types.DeviceID
}

// User returns the user id portion of the client's device.
func (c ClientContext) User() types.UserID { return c.Device.UserOf() }

// commandHandler decodes a request frame, calls a component, and returns
// the reply fields (always including "status"). goCtx carries the
// transport-level cancellation signal; every handler but events_listen
// ignores it, since only a long-poll has anything to cancel.
type commandHandler func(d *Dispatcher, goCtx context.Context, ctx ClientContext, frame wire.Frame) map[string]interface{}

// Dispatcher routes decoded commands to the realm/vlob/maintenance
// components and maps their errors to wire statuses. Mutating vlob/realm
// commands go through proposer rather than calling realms/vlobs directly,
// so the same commands are replicated when corefsm's raft backend is
// enabled; realms and vlobs remain here for the read-only commands and
// for the checks handlers run before proposing.
type Dispatcher struct {
	realms      *realm.Component
	vlobs       *vlob.Component
	maintenance *maintenance.Controller
	events      *events.Broker
	proposer    corefsm.Proposer
	maxBlobSize int

	handlers map[string]commandHandler
}

// New builds a Dispatcher with the full command table wired. proposer is
// what vlob_create, vlob_update, realm_create, realm_update_roles, and
// vlob_maintenance_save_reencryption_batch run through; pass a
// corefsm.NewDirectProposer for single-node operation or a
// corefsm.NewRaftProposer once a raft cluster is up.
func New(realms *realm.Component, vlobs *vlob.Component, maintenanceCtl *maintenance.Controller, bus *events.Broker, proposer corefsm.Proposer) *Dispatcher {
	d := &Dispatcher{
		realms:      realms,
		vlobs:       vlobs,
		maintenance: maintenanceCtl,
		events:      bus,
		proposer:    proposer,
		maxBlobSize: DefaultMaxBlobSize,
	}
	d.handlers = map[string]commandHandler{
		"vlob_create":                              handleVlobCreate,
		"vlob_read":                                handleVlobRead,
		"vlob_update":                               handleVlobUpdate,
		"vlob_poll_changes":                         handleVlobPollChanges,
		"vlob_maintenance_get_reencryption_batch":  handleMaintenanceGetBatch,
		"vlob_maintenance_save_reencryption_batch": handleMaintenanceSaveBatch,
		"realm_create":                             handleRealmCreate,
		"realm_status":                             handleRealmStatus,
		"realm_update_roles":                       handleRealmUpdateRoles,
		"realm_start_reencryption_maintenance":     handleStartReencryption,
		"realm_finish_reencryption_maintenance":    handleFinishReencryption,
		"events_listen":                            handleEventsListen,
	}
	return d
}

// SetMaxBlobSize overrides the default 8 MiB blob size limit, used by
// cmd/parsecd to apply the configured MAX_BLOB_SIZE.
func (d *Dispatcher) SetMaxBlobSize(size int) {
	if size > 0 {
		d.maxBlobSize = size
	}
}

// Dispatch decodes payload, runs the matching handler, and returns the
// encoded reply. It never returns a transport-level error for a malformed
// or unknown command: those become bad_message / unknown_command replies,
// per spec's "a handler always produces a reply map unless the connection
// is closing".
func (d *Dispatcher) Dispatch(goCtx context.Context, ctx ClientContext, payload []byte) []byte {
	frame, err := wire.Decode(payload)
	if err != nil {
		return d.mustEncode(statusReply("bad_message"))
	}

	cmd, ok := frame.Command()
	if !ok || cmd == "" {
		return d.mustEncode(statusReply("bad_message"))
	}

	handler, ok := d.handlers[cmd]
	if !ok {
		return d.mustEncode(statusReply("unknown_command"))
	}

	timer := metrics.NewTimer()
	reply := handler(d, goCtx, ctx, frame)
	timer.ObserveDurationVec(metrics.CommandDuration, cmd)

	status, _ := reply["status"].(string)
	metrics.CommandsTotal.WithLabelValues(cmd, status).Inc()

	return d.mustEncode(reply)
}

func (d *Dispatcher) mustEncode(reply map[string]interface{}) []byte {
	encoded, err := wire.Encode(reply)
	if err != nil {
		// Encode only fails on a value msgpack cannot represent, which
		// every reply builder in commands.go avoids by construction; if it
		// ever happens it is a programmer error, not a client-facing one.
		log.Logger.Error().Err(err).Msg("dispatch: failed to encode reply")
		encoded, _ = wire.Encode(statusReply("unknown_error"))
	}
	return encoded
}

func statusReply(status string, extra ...map[string]interface{}) map[string]interface{} {
	reply := map[string]interface{}{"status": status}
	for _, e := range extra {
		for k, v := range e {
			reply[k] = v
		}
	}
	return reply
}

func okReply(extra ...map[string]interface{}) map[string]interface{} {
	return statusReply("ok", extra...)
}

// errorStatus maps a component error to the wire status string spec.md's
// command table names for it. Returns ("unknown_error", false) for
// anything it does not recognize, which callers log before replying.
func errorStatus(err error) (string, bool) {
	switch {
	case errors.Is(err, vlob.ErrNotFound), errors.Is(err, realm.ErrNotFound), errors.Is(err, maintenance.ErrNotFound):
		return "not_found", true
	case errors.Is(err, vlob.ErrAlreadyExists), errors.Is(err, realm.ErrAlreadyExists):
		return "already_exists", true
	case errors.Is(err, vlob.ErrNotAllowed), errors.Is(err, realm.ErrNotAllowed), errors.Is(err, maintenance.ErrNotAllowed):
		return "not_allowed", true
	case errors.Is(err, vlob.ErrBadVersion):
		return "bad_version", true
	case errors.Is(err, vlob.ErrBadEncryptionRevision), errors.Is(err, realm.ErrBadEncryptionRevision), errors.Is(err, maintenance.ErrBadEncryptionRevision):
		return "bad_encryption_revision", true
	case errors.Is(err, vlob.ErrInMaintenance), errors.Is(err, realm.ErrInMaintenance), errors.Is(err, maintenance.ErrInMaintenance):
		return "in_maintenance", true
	case errors.Is(err, vlob.ErrMaintenanceError), errors.Is(err, realm.ErrMaintenanceError), errors.Is(err, maintenance.ErrMaintenanceError):
		return "maintenance_error", true
	case errors.Is(err, vlob.ErrBadTimestamp):
		return "bad_timestamp", true
	case errors.Is(err, realm.ErrAlreadyGranted):
		return "already_granted", true
	case errors.Is(err, realm.ErrRequireGreaterTimestamp):
		return "require_greater_timestamp", true
	case errors.Is(err, realm.ErrInvalidCertification):
		return "invalid_certification", true
	case errors.Is(err, realm.ErrIncompatibleProfile):
		return "incompatible_profile", true
	case errors.Is(err, maintenance.ErrParticipantsMismatch):
		return "participants_mismatch", true
	default:
		return "unknown_error", false
	}
}

func errorReply(err error, cmd string, ctx ClientContext) map[string]interface{} {
	status, known := errorStatus(err)
	if !known {
		log.Logger.Error().
			Err(err).
			Str("cmd", cmd).
			Str("organization", string(ctx.Organization)).
			Str("device", string(ctx.Device)).
			Msg("dispatch: unmapped component error")
	}
	return statusReply(status)
}
