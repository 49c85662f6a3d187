// Package store persists accounts, channels and messages in a bbolt
// database. Every multi-field write happens inside one transaction, so a
// reader never sees a message without the channel summary it produced.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/alexjbarnes/morse/internal/errors"
	bolt "go.etcd.io/bbolt"
)

const (
	// storeDirPerm is the permission mode for the data directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt database lock.
	storeOpenTimeout = 5 * time.Second

	// FileName is the database file name inside the data directory.
	FileName = "morse.db"
)

// Bucket layout:
//
//	app
//	  current            -> handle of the current account
//	accounts
//	  <handle>
//	    meta             -> Account JSON
//	    identity         -> sealed identity blob
//	    channels
//	      <name>
//	        meta         -> Channel JSON
//	        messages     -> seq (big endian) -> message record JSON
//	    message_ids      -> message id -> {channel, seq}
//	    uploads          -> plaintext hash -> Upload JSON
var (
	appBucket        = []byte("app")
	currentKey       = []byte("current")
	accountsBucket   = []byte("accounts")
	metaKey          = []byte("meta")
	identityKey      = []byte("identity")
	channelsBucket   = []byte("channels")
	messagesBucket   = []byte("messages")
	messageIDsBucket = []byte("message_ids")
	uploadsBucket    = []byte("uploads")
)

// Store wraps a bbolt database holding all conversation state.
type Store struct {
	db *bolt.DB
}

// Path returns the database path inside dataDir.
func Path(dataDir string) string {
	return filepath.Join(dataDir, FileName)
}

// Open opens the database at path, creating it and its parent directory
// if needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, storageErr("open", fmt.Errorf("creating data directory: %w", err))
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, storageErr("open", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(accountsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, storageErr("open", fmt.Errorf("initializing buckets: %w", err))
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// storageErr wraps err as a StorageError unless it already is one.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}

	var se *apperrors.StorageError
	if errors.As(err, &se) {
		return err
	}

	return &apperrors.StorageError{Op: op, Err: err}
}

func notFound(what, key string) error {
	return fmt.Errorf("%s %q: %w", what, key, apperrors.ErrNotFound)
}

// accountBucket returns the bucket for handle, or ErrNotFound.
func accountBucket(tx *bolt.Tx, handle string) (*bolt.Bucket, error) {
	b := tx.Bucket(accountsBucket).Bucket([]byte(handle))
	if b == nil {
		return nil, notFound("account", handle)
	}

	return b, nil
}

// channelBucket returns the bucket for a channel of handle, or ErrNotFound.
func channelBucket(tx *bolt.Tx, handle, name string) (*bolt.Bucket, error) {
	ab, err := accountBucket(tx, handle)
	if err != nil {
		return nil, err
	}

	cb := ab.Bucket(channelsBucket).Bucket([]byte(name))
	if cb == nil {
		return nil, notFound("channel", name)
	}

	return cb, nil
}

func getJSON(b *bolt.Bucket, key []byte, v any) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}

	return true, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}

	return b.Put(key, data)
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)

	return k[:]
}
