// Package corefsm implements the raft.FSM that backs parsecd's optional
// replicated storage mode (SPEC_FULL.md §2.9). It is the Raft-log
// counterpart of the teacher's WarrenFSM: instead of applying
// node/service/task mutations to a cluster store, it applies the realm and
// vlob mutating operations to the same pkg/realm and pkg/vlob components
// the single-node dispatcher calls directly.
//
// Routing Apply through the realm/vlob components rather than straight to
// pkg/storage keeps every invariant (role checks, maintenance-state
// checks, per-realm locking) in one place: a cluster leader validates a
// command identically whether or not replication is enabled, and a
// follower catching up replays the same validation when it applies the
// log.
//
// Proposer is what the rest of parsecd calls instead of the realm/vlob
// components directly, for every mutation corefsm knows how to carry:
// DirectProposer runs it against the local FSM inline, RaftProposer goes
// through raft.Apply first. Either way FSM.Apply is the only code path
// that actually touches realm/vlob state, so dispatch does not need to
// know which mode it is running in.
package corefsm

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/raft"

	"github.com/parsec-cloud/parsecd/pkg/log"
	"github.com/parsec-cloud/parsecd/pkg/metrics"
	"github.com/parsec-cloud/parsecd/pkg/realm"
	"github.com/parsec-cloud/parsecd/pkg/types"
	"github.com/parsec-cloud/parsecd/pkg/vlob"
)

// Op names the realm/vlob mutation a Command carries.
type Op string

const (
	OpVlobCreate         Op = "vlob_create"
	OpVlobUpdate         Op = "vlob_update"
	OpRealmCreate        Op = "realm_create"
	OpRoleUpdate         Op = "role_update"
	OpReencryptSaveBatch Op = "reencrypt_save_batch"
)

// Command is one Raft log entry: an operation name plus its JSON-encoded
// arguments. It is deliberately flat JSON rather than msgpack so the raft
// log is legible with off-the-shelf tools, independent of the wire
// protocol clients speak over pkg/wire.
type Command struct {
	Op   Op              `json:"op"`
	Data json.RawMessage `json:"data"`
}

// FSM applies committed realm/vlob commands to the local node's state.
// Construction wires it to the same realm.Component and vlob.Component the
// HTTP-facing dispatcher uses, so a single Raft leader and its followers
// all run through identical business logic.
type FSM struct {
	realms *realm.Component
	vlobs  *vlob.Component
}

// New builds an FSM over the given components.
func New(realms *realm.Component, vlobs *vlob.Component) *FSM {
	return &FSM{realms: realms, vlobs: vlobs}
}

// VlobCreateArgs is OpVlobCreate's payload. Timestamp is captured by the
// caller before proposing (dispatch runs vlob.Component.CheckBallpark
// against it there); Apply never reads the wall clock, so replaying the
// same committed entry on every node produces the same decision.
type VlobCreateArgs struct {
	Organization types.OrganizationID
	Author       types.DeviceID
	RealmID      types.RealmID
	VlobID       types.VlobID
	Timestamp    types.Timestamp
	Blob         []byte
	Revision     types.EncryptionRevision
}

// VlobUpdateArgs is OpVlobUpdate's payload.
type VlobUpdateArgs struct {
	Organization types.OrganizationID
	Author       types.DeviceID
	VlobID       types.VlobID
	Version      types.Version
	Timestamp    types.Timestamp
	Blob         []byte
	Revision     types.EncryptionRevision
}

// RealmCreateArgs is OpRealmCreate's payload.
type RealmCreateArgs struct {
	Organization types.OrganizationID
	Author       types.DeviceID
	RealmID      types.RealmID
	Timestamp    types.Timestamp
}

// RoleUpdateArgs is OpRoleUpdate's payload.
type RoleUpdateArgs struct {
	Organization types.OrganizationID
	Author       types.DeviceID
	RealmID      types.RealmID
	User         types.UserID
	Role         types.RealmRole
	Timestamp    types.Timestamp
	Signature    []byte
}

// ReencryptSaveBatchArgs is OpReencryptSaveBatch's payload.
type ReencryptSaveBatchArgs struct {
	Organization types.OrganizationID
	Author       types.DeviceID
	RealmID      types.RealmID
	Revision     types.EncryptionRevision
	Batch        []vlob.BatchEntry
}

// ReencryptSaveBatchResult is OpReencryptSaveBatch's successful result,
// the same (total, done) pair vlob.Component.MaintenanceSaveBatch returns.
type ReencryptSaveBatchResult struct {
	Total int
	Done  int
}

// Apply decodes one committed log entry and runs it against the wired
// components. Errors returned by the underlying component (not_found,
// not_allowed, bad_version, ...) are returned as the apply result rather
// than panicking: Proposer.Propose unwraps them into the same error a
// caller of pkg/realm or pkg/vlob directly would have gotten.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("corefsm: unmarshal command: %w", err)
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	switch cmd.Op {
	case OpVlobCreate:
		var a VlobCreateArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return err
		}
		return f.vlobs.Create(a.Organization, a.Author, a.RealmID, a.VlobID, a.Timestamp, a.Blob, a.Revision)

	case OpVlobUpdate:
		var a VlobUpdateArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return err
		}
		return f.vlobs.Update(a.Organization, a.Author, a.VlobID, a.Version, a.Timestamp, a.Blob, a.Revision)

	case OpRealmCreate:
		var a RealmCreateArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return err
		}
		return f.realms.Create(a.Organization, a.Author, a.RealmID, a.Timestamp)

	case OpRoleUpdate:
		var a RoleUpdateArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return err
		}
		return f.realms.UpdateRoles(a.Organization, a.Author, a.RealmID, a.User, a.Role, a.Timestamp, a.Signature)

	case OpReencryptSaveBatch:
		var a ReencryptSaveBatchArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return err
		}
		total, done, err := f.vlobs.MaintenanceSaveBatch(a.Organization, a.Author, a.RealmID, a.Revision, a.Batch)
		if err != nil {
			return err
		}
		return ReencryptSaveBatchResult{Total: total, Done: done}

	default:
		err := fmt.Errorf("corefsm: unknown op %q", cmd.Op)
		log.Logger.Error().Str("op", string(cmd.Op)).Msg("corefsm: rejected unknown command")
		return err
	}
}

// Snapshot returns a no-op FSMSnapshot. Unlike the teacher's WarrenFSM,
// which held cluster state only in memory behind the FSM, parsecd's realm
// and vlob state already lives in the bbolt file under each node's own
// data directory; raft's log-truncation snapshot exists to bound log
// growth, not to be the only copy of the data. A restoring node replays
// bbolt's existing contents rather than a raft-delivered blob.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return noopSnapshot{}, nil
}

// Restore is a no-op for the same reason: there is nothing to decode from
// rc because Snapshot never wrote anything beyond the sentinel below.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	_, err := io.Copy(io.Discard, rc)
	return err
}

type noopSnapshot struct{}

func (noopSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write([]byte("parsecd-corefsm-snapshot-v1")); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (noopSnapshot) Release() {}

// Proposer is the single entry point for a mutating realm/vlob operation.
// dispatch holds one Proposer and does not otherwise know whether it is
// talking to a bare FSM or a raft cluster.
type Proposer interface {
	Propose(op Op, args interface{}) (interface{}, error)
}

// DirectProposer applies straight to the local FSM, used when replication
// is disabled. It exists so non-replicated parsecd still runs every
// mutation through FSM.Apply instead of a separate code path, which is
// what keeps corefsm.Apply's switch from being dead code exercised only
// by its own tests.
type DirectProposer struct {
	fsm *FSM
}

// NewDirectProposer builds a Proposer that applies to fsm in-process.
func NewDirectProposer(fsm *FSM) *DirectProposer {
	return &DirectProposer{fsm: fsm}
}

// Propose marshals args, builds a Command, and runs it through Apply
// immediately.
func (p *DirectProposer) Propose(op Op, args interface{}) (interface{}, error) {
	entry, err := encodeCommand(op, args)
	if err != nil {
		return nil, err
	}
	result := p.fsm.Apply(&raft.Log{Data: entry})
	if err, ok := result.(error); ok {
		return nil, err
	}
	return result, nil
}

// RaftProposer runs args through raft.Apply, so the command only takes
// effect once the cluster leader has replicated it to a quorum of
// followers; FSM.Apply runs on every node that receives the committed
// entry, leader included.
type RaftProposer struct {
	raft    *raft.Raft
	timeout time.Duration
}

// NewRaftProposer builds a Proposer backed by a running raft.Raft instance.
func NewRaftProposer(r *raft.Raft, timeout time.Duration) *RaftProposer {
	return &RaftProposer{raft: r, timeout: timeout}
}

// Propose submits args as a raft log entry and waits for it to be applied,
// unwrapping the apply result the same way DirectProposer does.
func (p *RaftProposer) Propose(op Op, args interface{}) (interface{}, error) {
	entry, err := encodeCommand(op, args)
	if err != nil {
		return nil, err
	}
	future := p.raft.Apply(entry, p.timeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("raft apply: %w", err)
	}
	result := future.Response()
	if err, ok := result.(error); ok {
		return nil, err
	}
	return result, nil
}

func encodeCommand(op Op, args interface{}) ([]byte, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("corefsm: marshal args: %w", err)
	}
	entry, err := json.Marshal(Command{Op: op, Data: data})
	if err != nil {
		return nil, fmt.Errorf("corefsm: marshal command: %w", err)
	}
	return entry, nil
}
