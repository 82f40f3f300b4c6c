package store

import "strings"

// Keys are built from components joined by a unit separator so that user,
// room and device ids (which may contain '/' or ':') never collide.
const sep = "\x1f"

const (
	nsMeta        = "meta"
	nsAccount     = "account"
	nsSession     = "session"
	nsInbound     = "igs"
	nsOutbound    = "ogs"
	nsDevice      = "device"
	nsIdentity    = "identity"
	nsTrust       = "trust"
	nsKeyRequest  = "keyreq"
	nsRequestInfo = "keyreqinfo"
	nsMessageHash = "msghash"
	nsTracked     = "tracked"
)

func key(parts ...string) string { return strings.Join(parts, sep) }

// prefix returns the scan prefix for every key below parts.
func prefix(parts ...string) string { return key(parts...) + sep }

// reader is a consistent read view over the backend.
type reader interface {
	// get returns nil without error when key is absent.
	get(key string) ([]byte, error)
	// scan visits every key starting with prefix in ascending key order.
	scan(prefix string, fn func(key string, val []byte) error) error
}

// writer is a read-write transaction. Writes become visible to other readers
// only once the surrounding update returns without error.
type writer interface {
	reader
	set(key string, val []byte) error
	del(key string) error
}

// backend is the raw key-value engine under a Store.
type backend interface {
	view(fn func(reader) error) error
	update(fn func(writer) error) error
	close() error
}
