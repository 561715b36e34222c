package dispatch

import (
	"context"
	"time"

	"github.com/parsec-cloud/parsecd/pkg/corefsm"
	"github.com/parsec-cloud/parsecd/pkg/events"
	"github.com/parsec-cloud/parsecd/pkg/types"
	"github.com/parsec-cloud/parsecd/pkg/vlob"
	"github.com/parsec-cloud/parsecd/pkg/wire"
)

// PeerEventMaxWait bounds how long events_listen waits for a matching
// event before replying "no_events", per spec's "configurable peer-event
// wait bound (default 5 minutes)".
var PeerEventMaxWait = 5 * time.Minute

func handleVlobCreate(d *Dispatcher, _ context.Context, ctx ClientContext, frame wire.Frame) map[string]interface{} {
	req, ok := decodeVlobCreate(frame)
	if !ok {
		return statusReply("bad_message")
	}
	if len(req.Blob) > d.maxBlobSize {
		return statusReply("bad_message")
	}
	if err := d.vlobs.CheckBallpark(req.Timestamp); err != nil {
		return errorReply(err, "vlob_create", ctx)
	}

	_, err := d.proposer.Propose(corefsm.OpVlobCreate, corefsm.VlobCreateArgs{
		Organization: ctx.Organization,
		Author:       ctx.Device,
		RealmID:      req.RealmID,
		VlobID:       req.VlobID,
		Timestamp:    req.Timestamp,
		Blob:         req.Blob,
		Revision:     req.EncryptionRevision,
	})
	if err != nil {
		return errorReply(err, "vlob_create", ctx)
	}
	return okReply()
}

func handleVlobRead(d *Dispatcher, _ context.Context, ctx ClientContext, frame wire.Frame) map[string]interface{} {
	req, ok := decodeVlobRead(frame)
	if !ok {
		return statusReply("bad_message")
	}

	var version *types.Version
	if req.HasVersion {
		version = &req.Version
	}
	var rev *types.EncryptionRevision
	if req.HasRevision {
		rev = &req.EncryptionRevision
	}

	result, err := d.vlobs.Read(ctx.Organization, ctx.Device, req.VlobID, version, rev)
	if err != nil {
		return errorReply(err, "vlob_read", ctx)
	}
	return okReply(map[string]interface{}{
		"version":   uint64(result.Version),
		"blob":      result.Blob,
		"author":    string(result.Author),
		"timestamp": encodeTimestamp(result.Timestamp),
	})
}

func handleVlobUpdate(d *Dispatcher, _ context.Context, ctx ClientContext, frame wire.Frame) map[string]interface{} {
	req, ok := decodeVlobUpdate(frame)
	if !ok {
		return statusReply("bad_message")
	}
	if len(req.Blob) > d.maxBlobSize {
		return statusReply("bad_message")
	}
	if err := d.vlobs.CheckBallpark(req.Timestamp); err != nil {
		return errorReply(err, "vlob_update", ctx)
	}

	_, err := d.proposer.Propose(corefsm.OpVlobUpdate, corefsm.VlobUpdateArgs{
		Organization: ctx.Organization,
		Author:       ctx.Device,
		VlobID:       req.VlobID,
		Version:      req.Version,
		Timestamp:    req.Timestamp,
		Blob:         req.Blob,
		Revision:     req.EncryptionRevision,
	})
	if err != nil {
		return errorReply(err, "vlob_update", ctx)
	}
	return okReply()
}

func handleVlobPollChanges(d *Dispatcher, _ context.Context, ctx ClientContext, frame wire.Frame) map[string]interface{} {
	req, ok := decodeVlobPollChanges(frame)
	if !ok {
		return statusReply("bad_message")
	}

	current, changes, err := d.vlobs.PollChanges(ctx.Organization, ctx.Device, req.RealmID, req.LastCheckpoint)
	if err != nil {
		return errorReply(err, "vlob_poll_changes", ctx)
	}

	encoded := make(map[string]interface{}, len(changes))
	for vlobID, version := range changes {
		encoded[vlobID.String()] = uint64(version)
	}
	return okReply(map[string]interface{}{
		"current_checkpoint": current,
		"changes":            encoded,
	})
}

func handleMaintenanceGetBatch(d *Dispatcher, _ context.Context, ctx ClientContext, frame wire.Frame) map[string]interface{} {
	header, ok := decodeMaintenanceBatchHeader(frame)
	if !ok {
		return statusReply("bad_message")
	}
	size, ok := frame.Uint64("size")
	if !ok {
		return statusReply("bad_message")
	}

	batch, err := d.vlobs.MaintenanceGetBatch(ctx.Organization, ctx.Device, header.RealmID, header.EncryptionRevision, int(size))
	if err != nil {
		return errorReply(err, "vlob_maintenance_get_reencryption_batch", ctx)
	}

	encoded := make([]interface{}, len(batch))
	for i, entry := range batch {
		encoded[i] = map[string]interface{}{
			"vlob_id": entry.VlobID.String(),
			"version": uint64(entry.Version),
			"data":    entry.Data,
		}
	}
	return okReply(map[string]interface{}{"batch": encoded})
}

func handleMaintenanceSaveBatch(d *Dispatcher, _ context.Context, ctx ClientContext, frame wire.Frame) map[string]interface{} {
	header, ok := decodeMaintenanceBatchHeader(frame)
	if !ok {
		return statusReply("bad_message")
	}
	rawBatch, ok := frame.Fields["batch"]
	if !ok {
		return statusReply("bad_message")
	}
	entries, ok := decodeBatchEntries(rawBatch)
	if !ok {
		return statusReply("bad_message")
	}

	batch := make([]vlob.BatchEntry, len(entries))
	for i, e := range entries {
		batch[i] = vlob.BatchEntry{VlobID: e.VlobID, Version: e.Version, Data: e.Data}
	}

	result, err := d.proposer.Propose(corefsm.OpReencryptSaveBatch, corefsm.ReencryptSaveBatchArgs{
		Organization: ctx.Organization,
		Author:       ctx.Device,
		RealmID:      header.RealmID,
		Revision:     header.EncryptionRevision,
		Batch:        batch,
	})
	if err != nil {
		return errorReply(err, "vlob_maintenance_save_reencryption_batch", ctx)
	}
	saved, _ := result.(corefsm.ReencryptSaveBatchResult)
	return okReply(map[string]interface{}{
		"total": uint64(saved.Total),
		"done":  uint64(saved.Done),
	})
}

func handleRealmCreate(d *Dispatcher, _ context.Context, ctx ClientContext, frame wire.Frame) map[string]interface{} {
	certRaw, ok := frame.Bytes("role_certificate")
	if !ok {
		return statusReply("invalid_data")
	}
	cert, ok := decodeRoleCertificate(certRaw)
	if !ok {
		return statusReply("invalid_data")
	}
	if len(cert.Signature) == 0 {
		return statusReply("invalid_certification")
	}

	_, err := d.proposer.Propose(corefsm.OpRealmCreate, corefsm.RealmCreateArgs{
		Organization: ctx.Organization,
		Author:       cert.GrantedBy,
		RealmID:      cert.RealmID,
		Timestamp:    cert.GrantedOn,
	})
	if err != nil {
		return errorReply(err, "realm_create", ctx)
	}
	return okReply()
}

func handleRealmStatus(d *Dispatcher, _ context.Context, ctx ClientContext, frame wire.Frame) map[string]interface{} {
	realmRaw, ok := frame.String("realm_id")
	if !ok {
		return statusReply("bad_message")
	}
	realmID, ok := parseRealmID(realmRaw)
	if !ok {
		return statusReply("bad_message")
	}

	status, err := d.realms.GetStatus(ctx.Organization, ctx.User(), realmID)
	if err != nil {
		return errorReply(err, "realm_status", ctx)
	}
	return okReply(map[string]interface{}{
		"in_maintenance":         status.InMaintenance,
		"maintenance_type":       string(status.MaintenanceType),
		"maintenance_started_by": string(status.StartedBy),
		"maintenance_started_on": encodeTimestamp(status.StartedOn),
		"encryption_revision":    uint64(status.EncryptionRevision),
	})
}

func handleRealmUpdateRoles(d *Dispatcher, _ context.Context, ctx ClientContext, frame wire.Frame) map[string]interface{} {
	certRaw, ok := frame.Bytes("role_certificate")
	if !ok {
		return statusReply("invalid_data")
	}
	cert, ok := decodeRoleCertificate(certRaw)
	if !ok {
		return statusReply("invalid_data")
	}

	_, err := d.proposer.Propose(corefsm.OpRoleUpdate, corefsm.RoleUpdateArgs{
		Organization: ctx.Organization,
		Author:       cert.GrantedBy,
		RealmID:      cert.RealmID,
		User:         cert.GrantedTo,
		Role:         cert.Role,
		Timestamp:    cert.GrantedOn,
		Signature:    cert.Signature,
	})
	if err != nil {
		return errorReply(err, "realm_update_roles", ctx)
	}
	return okReply()
}

func handleStartReencryption(d *Dispatcher, _ context.Context, ctx ClientContext, frame wire.Frame) map[string]interface{} {
	header, ok := decodeMaintenanceBatchHeader(frame)
	if !ok {
		return statusReply("bad_message")
	}
	ts, ok := frame.Uint64("timestamp")
	if !ok {
		return statusReply("bad_message")
	}
	rawMsgs, ok := frame.Fields["per_participant_message"]
	if !ok {
		return statusReply("bad_message")
	}
	perParticipant, ok := decodePerParticipantMessages(rawMsgs)
	if !ok {
		return statusReply("bad_message")
	}

	err := d.maintenance.StartReencryption(ctx.Organization, ctx.Device, header.RealmID, header.EncryptionRevision, decodeTimestamp(ts), perParticipant)
	if err != nil {
		return errorReply(err, "realm_start_reencryption_maintenance", ctx)
	}
	return okReply()
}

func handleFinishReencryption(d *Dispatcher, _ context.Context, ctx ClientContext, frame wire.Frame) map[string]interface{} {
	header, ok := decodeMaintenanceBatchHeader(frame)
	if !ok {
		return statusReply("bad_message")
	}

	err := d.maintenance.FinishReencryption(ctx.Organization, ctx.Device, header.RealmID, header.EncryptionRevision)
	if err != nil {
		return errorReply(err, "realm_finish_reencryption_maintenance", ctx)
	}
	return okReply()
}

// handleEventsListen waits for the next event on (organization, realm_id),
// up to PeerEventMaxWait, or until goCtx is cancelled (the session layer
// cancels it the moment the same connection sends another command). This
// is the one handler that legitimately blocks.
func handleEventsListen(d *Dispatcher, goCtx context.Context, ctx ClientContext, frame wire.Frame) map[string]interface{} {
	realmRaw, ok := frame.String("realm_id")
	if !ok {
		return statusReply("bad_message")
	}
	realmID, ok := parseRealmID(realmRaw)
	if !ok {
		return statusReply("bad_message")
	}

	sub := d.events.Subscribe(ctx.Organization, realmID)
	defer d.events.Unsubscribe(sub)

	timer := time.NewTimer(PeerEventMaxWait)
	defer timer.Stop()

	select {
	case event := <-sub:
		return okReply(eventFields(event))
	case <-goCtx.Done():
		return statusReply("cancelled")
	case <-timer.C:
		return statusReply("no_events")
	}
}

func eventFields(event events.Event) map[string]interface{} {
	fields := map[string]interface{}{
		"event":    string(event.Type),
		"realm_id": event.RealmID.String(),
	}
	switch event.Type {
	case events.RealmVlobsUpdated:
		fields["checkpoint"] = event.Checkpoint
		fields["src_id"] = event.VlobID.String()
		fields["src_version"] = uint64(event.Version)
		fields["author"] = string(event.Author)
	case events.RealmRolesUpdated:
		fields["user"] = string(event.User)
	case events.RealmMaintenanceStart, events.RealmMaintenanceFinish:
		fields["encryption_revision"] = uint64(event.EncryptionRev)
	}
	return fields
}
