package store

import (
	"time"

	bolt "go.etcd.io/bbolt"
)

// Upload records a completed media upload, keyed by plaintext hash, so
// identical content is not encrypted and uploaded twice.
type Upload struct {
	Hash      string    `json:"hash"`
	Kind      string    `json:"kind"`
	URL       string    `json:"url"`
	Secret    []byte    `json:"secret"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveUpload records an upload for handle.
func (s *Store) SaveUpload(handle string, u Upload) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		ab, err := accountBucket(tx, handle)
		if err != nil {
			return err
		}

		return putJSON(ab.Bucket(uploadsBucket), []byte(u.Hash), u)
	})

	return storageErr("save upload", err)
}

// Upload returns the recorded upload for a plaintext hash.
func (s *Store) Upload(handle, hash string) (Upload, error) {
	var u Upload

	err := s.db.View(func(tx *bolt.Tx) error {
		ab, err := accountBucket(tx, handle)
		if err != nil {
			return err
		}

		found, err := getJSON(ab.Bucket(uploadsBucket), []byte(hash), &u)
		if err != nil {
			return err
		}
		if !found {
			return notFound("upload", hash)
		}

		return nil
	})

	return u, storageErr("get upload", err)
}

// DeleteUpload forgets an upload record. Missing records are ignored.
func (s *Store) DeleteUpload(handle, hash string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		ab, err := accountBucket(tx, handle)
		if err != nil {
			return err
		}

		return ab.Bucket(uploadsBucket).Delete([]byte(hash))
	})

	return storageErr("delete upload", err)
}

// UploadIndex is the upload index of one account.
type UploadIndex struct {
	s      *Store
	handle string
}

// Uploads returns the upload index bound to handle.
func (s *Store) Uploads(handle string) *UploadIndex {
	return &UploadIndex{s: s, handle: handle}
}

// Get returns the upload for hash.
func (u *UploadIndex) Get(hash string) (Upload, error) { return u.s.Upload(u.handle, hash) }

// Put records an upload.
func (u *UploadIndex) Put(rec Upload) error { return u.s.SaveUpload(u.handle, rec) }

// Delete forgets an upload.
func (u *UploadIndex) Delete(hash string) error { return u.s.DeleteUpload(u.handle, hash) }
