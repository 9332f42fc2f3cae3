// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	badger "github.com/dgraph-io/badger/v4"
)

// credentialsKey is the single key the store uses. There is exactly one
// logged-in identity per credential directory.
var credentialsKey = []byte("kodiak/credentials")

// BadgerStore persists the credential pair in a BadgerDB directory.
//
// # Description
//
// BadgerStore is the durable Store used by the CLI so that a login
// survives process restarts. Writes are synchronous: losing a rotated
// refresh token to a crash would force a re-login.
//
// # Inputs
//
// The path is a directory, created if absent, mode 0700 since it holds
// bearer credentials.
//
// # Thread Safety
//
// Safe for concurrent use; BadgerDB transactions provide isolation.
//
// # Limitations
//
//   - One credential pair per store. Multi-account support would need
//     keyed entries and is not a current requirement.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) a credential store at path.
//
// Caller must Close() the returned store.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	if path == "" {
		return nil, errors.New("credential store path is required")
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("create credential directory %s: %w", path, err)
	}

	opts := badger.DefaultOptions(path).
		WithSyncWrites(true).
		WithLogger(nil) // Badger's internal logging is noise at CLI level
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// OpenInMemoryBadgerStore opens an ephemeral store for tests.
func OpenInMemoryBadgerStore() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory credential store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Get returns the stored pair or ErrNoCredentials.
func (s *BadgerStore) Get() (*Credentials, error) {
	var creds Credentials
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(credentialsKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &creds)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	return &creds, nil
}

// Set replaces the stored pair.
func (s *BadgerStore) Set(creds Credentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(credentialsKey, data)
	})
	if err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// Clear removes the stored pair. Clearing an empty store is not an error.
func (s *BadgerStore) Clear() error {
	err := s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(credentialsKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

var _ Store = (*BadgerStore)(nil)
