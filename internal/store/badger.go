package store

import (
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

var (
	metaKDFKey   = key(nsMeta, "kdf")
	metaCheckKey = key(nsMeta, "check")
)

// OpenBadger opens (or creates) a persistent Store at path. An empty path
// keeps the database in memory. Every value is sealed under a key derived from
// passphrase; opening with a different passphrase fails with ErrWrongPassphrase.
func OpenBadger(path, passphrase string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts := badger.DefaultOptions(path).
		WithLogger(badgerLogger{log.Named("badger").Sugar()}).
		WithLoggingLevel(badger.WARNING)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	seal, err := unlock(db, passphrase)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return newStore(&badgerKV{db: db, seal: seal}, log), nil
}

// unlock derives the store key, creating the key derivation record and the
// check value on first use.
func unlock(db *badger.DB, passphrase string) (*sealer, error) {
	var rawKDF, rawCheck []byte
	err := db.View(func(txn *badger.Txn) error {
		var err error
		if rawKDF, err = getRaw(txn, metaKDFKey); err != nil {
			return err
		}
		rawCheck, err = getRaw(txn, metaCheckKey)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read store metadata: %w", err)
	}

	if rawKDF == nil {
		kp, err := newKDFParams()
		if err != nil {
			return nil, err
		}
		seal, err := newSealer(passphrase, kp)
		if err != nil {
			return nil, err
		}
		check, err := seal.seal(metaCheckKey, []byte(checkPlaintext))
		if err != nil {
			return nil, err
		}
		encoded, err := kp.encode()
		if err != nil {
			return nil, err
		}
		err = db.Update(func(txn *badger.Txn) error {
			if err := txn.Set([]byte(metaKDFKey), encoded); err != nil {
				return err
			}
			return txn.Set([]byte(metaCheckKey), check)
		})
		if err != nil {
			return nil, fmt.Errorf("write store metadata: %w", err)
		}
		return seal, nil
	}

	kp, err := parseKDFParams(rawKDF)
	if err != nil {
		return nil, err
	}
	seal, err := newSealer(passphrase, kp)
	if err != nil {
		return nil, err
	}
	pt, err := seal.open(metaCheckKey, rawCheck)
	if err != nil || string(pt) != checkPlaintext {
		return nil, ErrWrongPassphrase
	}
	return seal, nil
}

func getRaw(txn *badger.Txn, k string) ([]byte, error) {
	item, err := txn.Get([]byte(k))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

type badgerKV struct {
	db   *badger.DB
	seal *sealer
}

func (b *badgerKV) view(fn func(reader) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn, seal: b.seal})
	})
}

// update runs fn inside a single badger transaction; badger discards every
// write if fn or the commit fails.
func (b *badgerKV) update(fn func(writer) error) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn, seal: b.seal})
	})
}

func (b *badgerKV) close() error { return b.db.Close() }

type badgerTxn struct {
	txn  *badger.Txn
	seal *sealer
}

func (t *badgerTxn) get(k string) ([]byte, error) {
	raw, err := getRaw(t.txn, k)
	if err != nil || raw == nil {
		return nil, err
	}
	return t.seal.open(k, raw)
}

func (t *badgerTxn) scan(p string, fn func(string, []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(p)
	it := t.txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		k := string(item.KeyCopy(nil))
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		val, err := t.seal.open(k, raw)
		if err != nil {
			return err
		}
		if err := fn(k, val); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTxn) set(k string, val []byte) error {
	sealed, err := t.seal.seal(k, val)
	if err != nil {
		return err
	}
	return t.txn.Set([]byte(k), sealed)
}

func (t *badgerTxn) del(k string) error { return t.txn.Delete([]byte(k)) }

// badgerLogger routes badger's printf style logging into zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...any)   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...any) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...any)    { l.s.Infof(f, v...) }
func (l badgerLogger) Debugf(f string, v ...any)   { l.s.Debugf(f, v...) }
