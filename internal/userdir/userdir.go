// Package userdir implements the user directory adapter (C7): a
// read-only-at-runtime lookup of login+password+device -> UserInfo,
// backed by an embedded badger.DB snapshot and warmed into an in-memory
// TTL cache so FindUser never blocks the event loop on disk I/O after
// warm-up (spec §6 "must be safe to call from the event loop").
package userdir

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/dgraph-io/badger/v4"
	gocache "github.com/patrickmn/go-cache"

	apperrors "github.com/fastogt/iptv-daemon/internal/errors"
)

// DefaultTTL is the cache lifetime for a resolved directory record
// (SPEC_FULL §3.3).
const DefaultTTL = 5 * time.Minute

// AuthInfo is the credential tuple a subscriber presents on activation.
type AuthInfo struct {
	Login    string
	Password string
	DeviceID string
}

// UserInfo is what the directory returns on a successful lookup.
type UserInfo struct {
	UserID   string
	Channels []string
	Devices  []string
	Banned   bool
}

// record is the JSON shape persisted in badger, keyed by login.
type record struct {
	UserID       string   `json:"user_id"`
	PasswordHash string   `json:"password_hash"`
	Devices      []string `json:"devices"`
	Channels     []string `json:"channels"`
	Banned       bool     `json:"banned"`
}

func hashPassword(p string) string {
	sum := sha256.Sum256([]byte(p))
	return hex.EncodeToString(sum[:])
}

// Directory is the C7 adapter. It owns a badger.DB (the durable source of
// truth) and a go-cache instance (the hot path FindUser actually reads).
type Directory struct {
	db    *badger.DB
	cache *gocache.Cache
	ttl   time.Duration
}

// Open opens (creating if absent) the badger store at path and returns a
// Directory with an empty warm cache — entries are loaded lazily on first
// FindUser miss and cached for ttl.
func Open(path string, ttl time.Duration) (*Directory, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, apperrors.NewIO("userdir.open", err)
	}
	return &Directory{
		db:    db,
		cache: gocache.New(ttl, ttl*2),
		ttl:   ttl,
	}, nil
}

// Close releases the underlying badger store.
func (d *Directory) Close() error {
	if err := d.db.Close(); err != nil {
		return apperrors.NewIO("userdir.close", err)
	}
	return nil
}

func (d *Directory) lookup(login string) (record, bool) {
	if v, ok := d.cache.Get(login); ok {
		return v.(record), true
	}
	var rec record
	found := false
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(login))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			found = true
			return nil
		})
	})
	if err != nil || !found {
		return record{}, false
	}
	d.cache.Set(login, rec, d.ttl)
	return rec, true
}

// FindUser resolves auth.Login+auth.Password against the directory. A
// missing login or a password mismatch both surface as NotFound — the
// subscriber handler (C6) maps either into client_activate's
// "Not found" ActivateFail per spec §4.6 step 1, which deliberately does
// not distinguish the two to avoid a login-enumeration oracle. Device and
// ban checks are the caller's responsibility against the returned
// UserInfo.
func (d *Directory) FindUser(auth AuthInfo) (UserInfo, error) {
	rec, ok := d.lookup(auth.Login)
	if !ok {
		return UserInfo{}, apperrors.NewNotFound("userdir.find_user", nil)
	}
	if rec.PasswordHash != hashPassword(auth.Password) {
		return UserInfo{}, apperrors.NewNotFound("userdir.find_user", nil)
	}
	return UserInfo{
		UserID:   rec.UserID,
		Channels: append([]string(nil), rec.Channels...),
		Devices:  append([]string(nil), rec.Devices...),
		Banned:   rec.Banned,
	}, nil
}

// PutUser writes or replaces one directory entry. Used by directory
// provisioning tooling and tests; the daemon's runtime path never calls
// it (C7 is read-only at runtime per spec §6).
func (d *Directory) PutUser(login, password string, info UserInfo) error {
	rec := record{
		UserID:       info.UserID,
		PasswordHash: hashPassword(password),
		Devices:      info.Devices,
		Channels:     info.Channels,
		Banned:       info.Banned,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return apperrors.NewInternal("userdir.put_user", err)
	}
	err = d.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(login), data)
	})
	if err != nil {
		return apperrors.NewIO("userdir.put_user", err)
	}
	d.cache.Delete(login)
	return nil
}

// Refresh drops the entire warm cache so the next FindUser for any login
// re-reads badger. Nothing in cmd/daemon calls it and no file watch
// triggers it; without it, a cached entry is re-read only after its TTL
// expires.
func (d *Directory) Refresh() {
	d.cache.Flush()
}
