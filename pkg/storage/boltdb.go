package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/parsec-cloud/parsecd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketOrganizations = []byte("organizations")
	bucketRealms        = []byte("realms")
	bucketRoleCerts     = []byte("role_certs")
	bucketVlobs         = []byte("vlobs")
	bucketChanges       = []byte("changes")
	bucketCheckpoints   = []byte("checkpoints")
	bucketStaging       = []byte("staging")
	bucketStagingMeta   = []byte("staging_meta")
)

// BoltStore implements Store using an embedded BoltDB database, one bucket
// per collection, JSON-encoded values, composite zero-padded string keys.
type BoltStore struct {
	db     *bolt.DB
	dbPath string
}

// NewBoltStore opens (creating if necessary) a BoltDB database under
// dataDir and ensures all buckets exist.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "parsecd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketOrganizations, bucketRealms, bucketRoleCerts, bucketVlobs,
			bucketChanges, bucketCheckpoints, bucketStaging, bucketStagingMeta,
		}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, dbPath: dbPath}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Backup writes a consistent point-in-time copy of the whole database to
// w. Nothing in parsecd calls it: pkg/corefsm's raft snapshots carry only a
// sentinel, not a copy of the database.
func (s *BoltStore) Backup(w io.Writer) error {
	return s.db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(w)
		return err
	})
}

// Restore replaces the database's contents with the bytes read from r, a
// prior Backup's output. It closes and reopens the underlying file, so no
// concurrent callers may be using the Store while Restore runs. Nothing in
// parsecd calls it; pkg/corefsm's FSM.Restore discards the snapshot
// instead.
func (s *BoltStore) Restore(r io.Reader) error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database before restore: %w", err)
	}

	f, err := os.Create(s.dbPath)
	if err != nil {
		return fmt.Errorf("truncate database file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("write restored database: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close restored database file: %w", err)
	}

	db, err := bolt.Open(s.dbPath, 0600, nil)
	if err != nil {
		return fmt.Errorf("reopen database after restore: %w", err)
	}
	s.db = db
	return nil
}

// --- key encoding ---

func keyOrg(org types.OrganizationID) []byte {
	return []byte(string(org))
}

func keyRealm(org types.OrganizationID, realm types.RealmID) []byte {
	return []byte(string(org) + "|" + realm.String())
}

func realmPrefix(org types.OrganizationID, realm types.RealmID) string {
	return string(org) + "|" + realm.String() + "|"
}

func keyCert(org types.OrganizationID, realm types.RealmID, index int) []byte {
	return []byte(fmt.Sprintf("%s%020d", realmPrefix(org, realm), index))
}

func keyVlob(org types.OrganizationID, id types.VlobID) []byte {
	return []byte(string(org) + "|" + id.String())
}

func keyChange(org types.OrganizationID, realm types.RealmID, checkpoint uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", realmPrefix(org, realm), checkpoint))
}

func keyStaging(org types.OrganizationID, realm types.RealmID, entry StagingEntry) []byte {
	return []byte(fmt.Sprintf("%s%s|%020d", realmPrefix(org, realm), entry.VlobID.String(), entry.Version))
}

// --- organizations ---

func (s *BoltStore) CreateOrganization(org *Organization) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOrganizations)
		key := keyOrg(org.ID)
		if b.Get(key) != nil {
			return ErrAlreadyExists
		}
		data, err := json.Marshal(org)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) UpdateOrganization(org *Organization) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOrganizations)
		key := keyOrg(org.ID)
		if b.Get(key) == nil {
			return ErrNotFound
		}
		data, err := json.Marshal(org)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) GetOrganization(id types.OrganizationID) (*Organization, error) {
	var org Organization
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOrganizations).Get(keyOrg(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &org)
	})
	if err != nil {
		return nil, err
	}
	return &org, nil
}

// --- realms ---

func (s *BoltStore) CreateRealm(realm *Realm) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRealms)
		key := keyRealm(realm.Organization, realm.ID)
		if b.Get(key) != nil {
			return ErrAlreadyExists
		}
		data, err := json.Marshal(realm)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) GetRealm(org types.OrganizationID, id types.RealmID) (*Realm, error) {
	var realm Realm
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRealms).Get(keyRealm(org, id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &realm)
	})
	if err != nil {
		return nil, err
	}
	return &realm, nil
}

func (s *BoltStore) UpdateRealm(realm *Realm) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRealms)
		key := keyRealm(realm.Organization, realm.ID)
		if b.Get(key) == nil {
			return ErrNotFound
		}
		data, err := json.Marshal(realm)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// --- role certificates ---

func (s *BoltStore) AppendCertificate(org types.OrganizationID, realm types.RealmID, cert *Certificate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoleCerts)
		prefix := realmPrefix(org, realm)
		count := 0
		c := b.Cursor()
		for k, _ := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			count++
		}
		cert.Index = count
		data, err := json.Marshal(cert)
		if err != nil {
			return err
		}
		return b.Put(keyCert(org, realm, count), data)
	})
}

func (s *BoltStore) ListCertificates(org types.OrganizationID, realm types.RealmID, since types.Timestamp) ([]*Certificate, error) {
	var out []*Certificate
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoleCerts)
		prefix := realmPrefix(org, realm)
		c := b.Cursor()
		for k, v := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			var cert Certificate
			if err := json.Unmarshal(v, &cert); err != nil {
				return err
			}
			if cert.GrantedOn.After(since) {
				out = append(out, &cert)
			}
		}
		return nil
	})
	return out, err
}

// --- vlobs ---

func (s *BoltStore) CreateVlob(vlob *VlobRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVlobs)
		key := keyVlob(vlob.Organization, vlob.ID)
		if b.Get(key) != nil {
			return ErrAlreadyExists
		}
		data, err := json.Marshal(vlob)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) GetVlob(org types.OrganizationID, id types.VlobID) (*VlobRecord, error) {
	var vlob VlobRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVlobs).Get(keyVlob(org, id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &vlob)
	})
	if err != nil {
		return nil, err
	}
	return &vlob, nil
}

func getVlobTx(tx *bolt.Tx, org types.OrganizationID, id types.VlobID) (*VlobRecord, error) {
	data := tx.Bucket(bucketVlobs).Get(keyVlob(org, id))
	if data == nil {
		return nil, ErrNotFound
	}
	var vlob VlobRecord
	if err := json.Unmarshal(data, &vlob); err != nil {
		return nil, err
	}
	return &vlob, nil
}

func putVlobTx(tx *bolt.Tx, vlob *VlobRecord) error {
	data, err := json.Marshal(vlob)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketVlobs).Put(keyVlob(vlob.Organization, vlob.ID), data)
}

func (s *BoltStore) AppendVlobVersion(org types.OrganizationID, id types.VlobID, expectedVersion types.Version, v VlobVersionRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		vlob, err := getVlobTx(tx, org, id)
		if err != nil {
			return err
		}
		if types.Version(len(vlob.Versions)+1) != expectedVersion {
			return ErrVersionConflict
		}
		vlob.Versions = append(vlob.Versions, v)
		return putVlobTx(tx, vlob)
	})
}

func (s *BoltStore) ReplaceVlobCiphertext(org types.OrganizationID, id types.VlobID, version types.Version, blob []byte, rev types.EncryptionRevision) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		vlob, err := getVlobTx(tx, org, id)
		if err != nil {
			return err
		}
		idx := int(version) - 1
		if idx < 0 || idx >= len(vlob.Versions) {
			return ErrNotFound
		}
		vlob.Versions[idx].Blob = blob
		vlob.Versions[idx].EncryptionRevision = rev
		return putVlobTx(tx, vlob)
	})
}

// --- checkpoints / change log ---

func (s *BoltStore) CurrentCheckpoint(org types.OrganizationID, realm types.RealmID) (uint64, error) {
	var checkpoint uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		checkpoint = readCheckpointTx(tx, org, realm)
		return nil
	})
	return checkpoint, err
}

func readCheckpointTx(tx *bolt.Tx, org types.OrganizationID, realm types.RealmID) uint64 {
	data := tx.Bucket(bucketCheckpoints).Get(keyRealm(org, realm))
	if data == nil || len(data) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}

func writeCheckpointTx(tx *bolt.Tx, org types.OrganizationID, realm types.RealmID, value uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, value)
	return tx.Bucket(bucketCheckpoints).Put(keyRealm(org, realm), buf)
}

func (s *BoltStore) AppendChange(org types.OrganizationID, realm types.RealmID, vlobID types.VlobID, version types.Version, author types.DeviceID) (uint64, error) {
	var next uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		next = readCheckpointTx(tx, org, realm) + 1
		if err := writeCheckpointTx(tx, org, realm, next); err != nil {
			return err
		}
		change := Change{Checkpoint: next, VlobID: vlobID, Version: version, Author: author}
		data, err := json.Marshal(change)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketChanges).Put(keyChange(org, realm, next), data)
	})
	return next, err
}

func (s *BoltStore) ListChangesSince(org types.OrganizationID, realm types.RealmID, since uint64) ([]*Change, error) {
	var out []*Change
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChanges)
		prefix := realmPrefix(org, realm)
		c := b.Cursor()
		for k, v := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			var ch Change
			if err := json.Unmarshal(v, &ch); err != nil {
				return err
			}
			if ch.Checkpoint > since {
				out = append(out, &ch)
			}
		}
		return nil
	})
	return out, err
}

// --- reencryption staging ---

func (s *BoltStore) InitStaging(org types.OrganizationID, realm types.RealmID, target types.EncryptionRevision, entries []StagingEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStaging)
		for _, e := range entries {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Put(keyStaging(org, realm, e), data); err != nil {
				return err
			}
		}
		meta := StagingMeta{TargetRevision: target, Total: len(entries), Done: 0}
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketStagingMeta).Put(keyRealm(org, realm), data)
	})
}

func (s *BoltStore) StagingBatch(org types.OrganizationID, realm types.RealmID, limit int) ([]StagingEntry, error) {
	var out []StagingEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStaging)
		prefix := realmPrefix(org, realm)
		c := b.Cursor()
		for k, v := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var e StagingEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	// Cursor iteration is already key-ordered (org|realm|vlob_id|version),
	// which is exactly the (vlob_id, version) lexicographic order spec §4.2
	// requires; sort defensively in case a future key scheme changes that.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].VlobID.String() != out[j].VlobID.String() {
			return out[i].VlobID.String() < out[j].VlobID.String()
		}
		return out[i].Version < out[j].Version
	})
	return out, err
}

func (s *BoltStore) SaveStagingBatch(org types.OrganizationID, realm types.RealmID, target types.EncryptionRevision, entries []StagingEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		staging := tx.Bucket(bucketStaging)
		meta, err := getStagingMetaTx(tx, org, realm)
		if err != nil {
			return err
		}
		migrated := 0
		for _, e := range entries {
			key := keyStaging(org, realm, e)
			if staging.Get(key) == nil {
				continue // already migrated: idempotent re-submission
			}
			vlob, err := getVlobTx(tx, org, e.VlobID)
			if err != nil {
				return err
			}
			idx := int(e.Version) - 1
			if idx < 0 || idx >= len(vlob.Versions) {
				return ErrNotFound
			}
			vlob.Versions[idx].Blob = e.Data
			vlob.Versions[idx].EncryptionRevision = target
			if err := putVlobTx(tx, vlob); err != nil {
				return err
			}
			if err := staging.Delete(key); err != nil {
				return err
			}
			migrated++
		}
		meta.Done += migrated
		return putStagingMetaTx(tx, org, realm, meta)
	})
}

func getStagingMetaTx(tx *bolt.Tx, org types.OrganizationID, realm types.RealmID) (*StagingMeta, error) {
	data := tx.Bucket(bucketStagingMeta).Get(keyRealm(org, realm))
	if data == nil {
		return &StagingMeta{}, nil
	}
	var meta StagingMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func putStagingMetaTx(tx *bolt.Tx, org types.OrganizationID, realm types.RealmID, meta *StagingMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketStagingMeta).Put(keyRealm(org, realm), data)
}

func (s *BoltStore) StagingProgress(org types.OrganizationID, realm types.RealmID) (int, int, error) {
	var meta *StagingMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		meta, err = getStagingMetaTx(tx, org, realm)
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	return meta.Total, meta.Done, nil
}

func (s *BoltStore) StagingRemaining(org types.OrganizationID, realm types.RealmID) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStaging)
		prefix := realmPrefix(org, realm)
		c := b.Cursor()
		for k, _ := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func (s *BoltStore) ClearStaging(org types.OrganizationID, realm types.RealmID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStaging)
		prefix := realmPrefix(org, realm)
		c := b.Cursor()
		var keys [][]byte
		for k, _ := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketStagingMeta).Delete(keyRealm(org, realm))
	})
}
