// Package store persists the engine's state behind domain.CryptoStore.
//
// Two backends share one implementation: an in-process map (NewMemory) and a
// badger database (OpenBadger). Records are JSON documents under keys that
// group them by kind, so listing a user's devices or a room's group sessions
// is a prefix scan. SaveChanges commits a whole domain.Changes batch in one
// transaction.
//
// The badger backend seals every value with ChaCha20-Poly1305. The key is
// derived once with scrypt from the passphrase and a random salt stored next
// to the data; the storage key is bound in as associated data so values cannot
// be swapped between records.
package store
