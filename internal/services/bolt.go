package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Oscar-999/hero-chat/internal/models"
	bolt "go.etcd.io/bbolt"
)

var (
	usersBucket    = []byte("users")
	sessionsBucket = []byte("sessions")
)

// BoltDB implements the identity Store interface using a BoltDB backend. It keeps the accounts allowed
// to sign in and the sign-in sessions issued to them. Conversations are never written here.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{usersBucket, sessionsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, err
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

// Account retrieves the account with the given username, or models.ErrNotFound.
func (b BoltDB) Account(_ context.Context, username string) (models.Account, error) {
	var account models.Account
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(usersBucket).Get([]byte(username))
		if v == nil {
			return models.ErrNotFound
		}
		if err := json.Unmarshal(v, &account); err != nil {
			return fmt.Errorf("failed to unmarshal account: %w", err)
		}
		return nil
	})
	return account, err
}

// PutAccount stores the account, replacing any account with the same username.
func (b BoltDB) PutAccount(_ context.Context, account models.Account) error {
	if account.Username == "" {
		return fmt.Errorf("username is required")
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		v, err := json.Marshal(account)
		if err != nil {
			return fmt.Errorf("failed to marshal account: %w", err)
		}
		return tx.Bucket(usersBucket).Put([]byte(account.Username), v)
	})
}

// AddSession stores a new sign-in session keyed by its token.
func (b BoltDB) AddSession(_ context.Context, session models.SignInSession) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		v, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		return tx.Bucket(sessionsBucket).Put([]byte(session.Token), v)
	})
}

// Session retrieves the sign-in session with the given token, or models.ErrNotFound. Expiry is left to
// the caller.
func (b BoltDB) Session(_ context.Context, token string) (models.SignInSession, error) {
	var session models.SignInSession
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionsBucket).Get([]byte(token))
		if v == nil {
			return models.ErrNotFound
		}
		if err := json.Unmarshal(v, &session); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}
		return nil
	})
	return session, err
}

// DeleteSession removes the session with the given token. Deleting a missing session is not an error.
func (b BoltDB) DeleteSession(_ context.Context, token string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(token))
	})
}

// PruneSessions deletes every session expired at now and returns how many were removed.
func (b BoltDB) PruneSessions(_ context.Context, now time.Time) (int, error) {
	removed := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(sessionsBucket)
		var expired [][]byte
		err := bk.ForEach(func(k, v []byte) error {
			var session models.SignInSession
			if err := json.Unmarshal(v, &session); err != nil {
				return fmt.Errorf("failed to unmarshal session: %w", err)
			}
			if session.Expired(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := bk.Delete(k); err != nil {
				return fmt.Errorf("failed to delete session: %w", err)
			}
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}
