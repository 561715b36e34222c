package dispatch

import (
	"time"

	"github.com/google/uuid"
	"github.com/parsec-cloud/parsecd/pkg/types"
	"github.com/parsec-cloud/parsecd/pkg/wire"
)

// This file holds the one-struct-per-command request/reply shapes spec.md
// §6's command table names, plus the helpers that decode them out of a
// generic wire.Frame. Unknown fields on the wire are simply never read;
// missing required fields make the decode fail and the handler replies
// bad_message.

func parseRealmID(s string) (types.RealmID, bool) {
	id, err := uuid.Parse(s)
	if err != nil {
		return types.RealmID{}, false
	}
	return types.RealmID(id), true
}

func parseVlobID(s string) (types.VlobID, bool) {
	id, err := uuid.Parse(s)
	if err != nil {
		return types.VlobID{}, false
	}
	return types.VlobID(id), true
}

func encodeTimestamp(t types.Timestamp) uint64 {
	return uint64(t.Time.UnixMicro())
}

func decodeTimestamp(micros uint64) types.Timestamp {
	return types.NewTimestamp(time.UnixMicro(int64(micros)).UTC())
}

// vlobCreateRequest is vlob_create's decoded request.
type vlobCreateRequest struct {
	RealmID            types.RealmID
	VlobID             types.VlobID
	Timestamp          types.Timestamp
	Blob               []byte
	EncryptionRevision types.EncryptionRevision
}

func decodeVlobCreate(f wire.Frame) (vlobCreateRequest, bool) {
	var req vlobCreateRequest

	realmRaw, ok := f.String("realm_id")
	if !ok {
		return req, false
	}
	if req.RealmID, ok = parseRealmID(realmRaw); !ok {
		return req, false
	}

	vlobRaw, ok := f.String("vlob_id")
	if !ok {
		return req, false
	}
	if req.VlobID, ok = parseVlobID(vlobRaw); !ok {
		return req, false
	}

	ts, ok := f.Uint64("timestamp")
	if !ok {
		return req, false
	}
	req.Timestamp = decodeTimestamp(ts)

	blob, ok := f.Bytes("blob")
	if !ok {
		return req, false
	}
	req.Blob = blob

	req.EncryptionRevision = 1
	if rev, ok := f.Uint64("encryption_revision"); ok {
		req.EncryptionRevision = types.EncryptionRevision(rev)
	}
	return req, true
}

// vlobReadRequest is vlob_read's decoded request. Version and
// EncryptionRevision are both optional; HasVersion/HasRevision report
// whether the client supplied them at all.
type vlobReadRequest struct {
	VlobID             types.VlobID
	Version            types.Version
	HasVersion         bool
	EncryptionRevision types.EncryptionRevision
	HasRevision        bool
}

func decodeVlobRead(f wire.Frame) (vlobReadRequest, bool) {
	var req vlobReadRequest

	vlobRaw, ok := f.String("vlob_id")
	if !ok {
		return req, false
	}
	if req.VlobID, ok = parseVlobID(vlobRaw); !ok {
		return req, false
	}

	if v, ok := f.Uint64("version"); ok {
		req.Version = types.Version(v)
		req.HasVersion = true
	}
	if rev, ok := f.Uint64("encryption_revision"); ok {
		req.EncryptionRevision = types.EncryptionRevision(rev)
		req.HasRevision = true
	}
	return req, true
}

// vlobUpdateRequest is vlob_update's decoded request.
type vlobUpdateRequest struct {
	VlobID             types.VlobID
	Version            types.Version
	Timestamp          types.Timestamp
	Blob               []byte
	EncryptionRevision types.EncryptionRevision
}

func decodeVlobUpdate(f wire.Frame) (vlobUpdateRequest, bool) {
	var req vlobUpdateRequest

	vlobRaw, ok := f.String("vlob_id")
	if !ok {
		return req, false
	}
	if req.VlobID, ok = parseVlobID(vlobRaw); !ok {
		return req, false
	}

	version, ok := f.Uint64("version")
	if !ok {
		return req, false
	}
	req.Version = types.Version(version)

	ts, ok := f.Uint64("timestamp")
	if !ok {
		return req, false
	}
	req.Timestamp = decodeTimestamp(ts)

	blob, ok := f.Bytes("blob")
	if !ok {
		return req, false
	}
	req.Blob = blob

	req.EncryptionRevision = 1
	if rev, ok := f.Uint64("encryption_revision"); ok {
		req.EncryptionRevision = types.EncryptionRevision(rev)
	}
	return req, true
}

// vlobPollChangesRequest is vlob_poll_changes's decoded request.
type vlobPollChangesRequest struct {
	RealmID        types.RealmID
	LastCheckpoint uint64
}

func decodeVlobPollChanges(f wire.Frame) (vlobPollChangesRequest, bool) {
	var req vlobPollChangesRequest

	realmRaw, ok := f.String("realm_id")
	if !ok {
		return req, false
	}
	if req.RealmID, ok = parseRealmID(realmRaw); !ok {
		return req, false
	}

	if req.LastCheckpoint, ok = f.Uint64("last_checkpoint"); !ok {
		return req, false
	}
	return req, true
}

// maintenanceBatchRequest is shared by the two maintenance batch commands,
// which request the same (realm_id, encryption_revision) pair plus their
// own extra field (size or batch).
type maintenanceBatchRequest struct {
	RealmID            types.RealmID
	EncryptionRevision types.EncryptionRevision
}

func decodeMaintenanceBatchHeader(f wire.Frame) (maintenanceBatchRequest, bool) {
	var req maintenanceBatchRequest

	realmRaw, ok := f.String("realm_id")
	if !ok {
		return req, false
	}
	if req.RealmID, ok = parseRealmID(realmRaw); !ok {
		return req, false
	}

	rev, ok := f.Uint64("encryption_revision")
	if !ok {
		return req, false
	}
	req.EncryptionRevision = types.EncryptionRevision(rev)
	return req, true
}

func decodeBatchEntries(raw interface{}) ([]batchEntryWire, bool) {
	items, ok := raw.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]batchEntryWire, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			m, ok = normalizeInterfaceMap(item)
			if !ok {
				return nil, false
			}
		}
		entry, ok := decodeBatchEntry(m)
		if !ok {
			return nil, false
		}
		out = append(out, entry)
	}
	return out, true
}

func normalizeInterfaceMap(raw interface{}) (map[string]interface{}, bool) {
	m, ok := raw.(map[interface{}]interface{})
	if !ok {
		return nil, false
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		s, ok := k.(string)
		if !ok {
			return nil, false
		}
		out[s] = v
	}
	return out, true
}

type batchEntryWire struct {
	VlobID  types.VlobID
	Version types.Version
	Data    []byte
}

func decodeBatchEntry(m map[string]interface{}) (batchEntryWire, bool) {
	var e batchEntryWire

	vlobRaw, ok := m["vlob_id"].(string)
	if !ok {
		return e, false
	}
	if e.VlobID, ok = parseVlobID(vlobRaw); !ok {
		return e, false
	}

	version, ok := toUint64(m["version"])
	if !ok {
		return e, false
	}
	e.Version = types.Version(version)

	data, ok := m["data"].([]byte)
	if !ok {
		return e, false
	}
	e.Data = data
	return e, true
}

func toUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), true
	case uint:
		return uint64(n), true
	case int:
		return uint64(n), true
	default:
		return 0, false
	}
}

// roleCertificateFields is the set of fields parsecd reads out of an
// opaque role_certificate byte string: the msgpack-encoded payload a
// client signed before appending its signature. The core validates
// monotonicity and grantor authority against these fields; it never
// verifies the signature itself (cryptography is out of scope).
type roleCertificateFields struct {
	RealmID   types.RealmID
	GrantedBy types.DeviceID
	GrantedTo types.UserID
	Role      types.RealmRole
	GrantedOn types.Timestamp
	Signature []byte
}

func decodeRoleCertificate(raw []byte) (roleCertificateFields, bool) {
	var fields roleCertificateFields

	frame, err := wire.Decode(raw)
	if err != nil {
		return fields, false
	}

	realmRaw, ok := frame.String("realm_id")
	if !ok {
		return fields, false
	}
	if fields.RealmID, ok = parseRealmID(realmRaw); !ok {
		return fields, false
	}

	grantedBy, ok := frame.String("granted_by")
	if !ok {
		return fields, false
	}
	fields.GrantedBy = types.DeviceID(grantedBy)

	grantedTo, ok := frame.String("granted_to")
	if !ok {
		return fields, false
	}
	fields.GrantedTo = types.UserID(grantedTo)

	// role is absent (or empty) for a revocation certificate.
	if role, ok := frame.String("role"); ok {
		fields.Role = types.RealmRole(role)
	}

	grantedOn, ok := frame.Uint64("granted_on")
	if !ok {
		return fields, false
	}
	fields.GrantedOn = decodeTimestamp(grantedOn)

	fields.Signature, _ = frame.Bytes("signature")
	return fields, true
}

func decodePerParticipantMessages(raw interface{}) (map[types.UserID][]byte, bool) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		m, ok = normalizeInterfaceMap(raw)
		if !ok {
			return nil, false
		}
	}
	out := make(map[types.UserID][]byte, len(m))
	for user, v := range m {
		body, ok := v.([]byte)
		if !ok {
			return nil, false
		}
		out[types.UserID(user)] = body
	}
	return out, true
}
