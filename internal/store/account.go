package store

import (
	"errors"
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/morse/internal/errors"
	bolt "go.etcd.io/bbolt"
)

// Account is the local root of one user's data.
type Account struct {
	Handle     string    `json:"handle"`
	Card       []byte    `json:"card"`
	ColorIndex int       `json:"color_index"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreateAccount creates the bucket tree for acct. It fails with
// ErrExists if the handle is taken.
func (s *Store) CreateAccount(acct Account) error {
	if acct.Handle == "" {
		return storageErr("create account", fmt.Errorf("empty handle"))
	}
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now().UTC()
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		accounts := tx.Bucket(accountsBucket)
		if accounts.Bucket([]byte(acct.Handle)) != nil {
			return fmt.Errorf("account %q: %w", acct.Handle, apperrors.ErrExists)
		}

		ab, err := accounts.CreateBucket([]byte(acct.Handle))
		if err != nil {
			return err
		}

		for _, name := range [][]byte{channelsBucket, messageIDsBucket, uploadsBucket} {
			if _, err := ab.CreateBucket(name); err != nil {
				return err
			}
		}

		return putJSON(ab, metaKey, acct)
	})

	return storageErr("create account", err)
}

// UpdateAccount replaces the metadata of an existing account.
func (s *Store) UpdateAccount(acct Account) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		ab, err := accountBucket(tx, acct.Handle)
		if err != nil {
			return err
		}

		return putJSON(ab, metaKey, acct)
	})

	return storageErr("update account", err)
}

// Account returns the account for handle.
func (s *Store) Account(handle string) (Account, error) {
	var acct Account

	err := s.db.View(func(tx *bolt.Tx) error {
		ab, err := accountBucket(tx, handle)
		if err != nil {
			return err
		}

		_, err = getJSON(ab, metaKey, &acct)

		return err
	})

	return acct, storageErr("get account", err)
}

// Accounts returns every account ordered by handle.
func (s *Store) Accounts() ([]Account, error) {
	var out []Account

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(accountsBucket).ForEachBucket(func(k []byte) error {
			var acct Account
			if _, err := getJSON(tx.Bucket(accountsBucket).Bucket(k), metaKey, &acct); err != nil {
				return err
			}

			out = append(out, acct)

			return nil
		})
	})

	return out, storageErr("list accounts", err)
}

// SetCurrentAccount makes handle the current account.
func (s *Store) SetCurrentAccount(handle string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if _, err := accountBucket(tx, handle); err != nil {
			return err
		}

		return tx.Bucket(appBucket).Put(currentKey, []byte(handle))
	})

	return storageErr("set current account", err)
}

// CurrentAccount returns the current account, or ErrNoCurrentAccount.
func (s *Store) CurrentAccount() (Account, error) {
	var acct Account

	err := s.db.View(func(tx *bolt.Tx) error {
		handle := tx.Bucket(appBucket).Get(currentKey)
		if handle == nil {
			return apperrors.ErrNoCurrentAccount
		}

		ab, err := accountBucket(tx, string(handle))
		if err != nil {
			return err
		}

		_, err = getJSON(ab, metaKey, &acct)

		return err
	})

	return acct, storageErr("get current account", err)
}

// ClearCurrentAccount unsets the current account pointer.
func (s *Store) ClearCurrentAccount() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(currentKey)
	})

	return storageErr("clear current account", err)
}

// DeleteAccount removes the account with all of its channels, messages,
// identity and upload index, and clears the current pointer if it
// referenced this account. All in one transaction.
func (s *Store) DeleteAccount(handle string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(accountsBucket).DeleteBucket([]byte(handle)); err != nil {
			if errors.Is(err, bolt.ErrBucketNotFound) {
				return notFound("account", handle)
			}

			return err
		}

		app := tx.Bucket(appBucket)
		if string(app.Get(currentKey)) == handle {
			return app.Delete(currentKey)
		}

		return nil
	})

	return storageErr("delete account", err)
}

// SaveIdentity stores the sealed identity blob for handle.
func (s *Store) SaveIdentity(handle string, sealed []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		ab, err := accountBucket(tx, handle)
		if err != nil {
			return err
		}

		return ab.Put(identityKey, sealed)
	})

	return storageErr("save identity", err)
}

// LoadIdentity returns the sealed identity blob for handle.
func (s *Store) LoadIdentity(handle string) ([]byte, error) {
	var out []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		ab, err := accountBucket(tx, handle)
		if err != nil {
			return err
		}

		v := ab.Get(identityKey)
		if v == nil {
			return notFound("identity", handle)
		}

		out = append([]byte(nil), v...)

		return nil
	})

	return out, storageErr("load identity", err)
}
