package store

import (
	"sort"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// NewMemory returns a Store that keeps everything in process memory. Values
// are stored serialised, so reads hand out copies.
func NewMemory(log *zap.Logger) *Store {
	return newStore(&memoryKV{data: xsync.NewMap[string, []byte]()}, log)
}

type memoryKV struct {
	// mu makes a commit visible to readers all at once.
	mu   sync.RWMutex
	data *xsync.Map[string, []byte]
}

func (m *memoryKV) view(fn func(reader) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(memView{m.data})
}

func (m *memoryKV) update(fn func(writer) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTxn{base: memView{m.data}, staged: map[string]stagedValue{}}
	if err := fn(tx); err != nil {
		return err
	}
	for k, v := range tx.staged {
		if v.deleted {
			m.data.Delete(k)
			continue
		}
		m.data.Store(k, v.val)
	}
	return nil
}

func (m *memoryKV) close() error { return nil }

type memView struct {
	data *xsync.Map[string, []byte]
}

func (v memView) get(k string) ([]byte, error) {
	b, ok := v.data.Load(k)
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), b...), nil
}

func (v memView) scan(p string, fn func(string, []byte) error) error {
	var keys []string
	v.data.Range(func(k string, _ []byte) bool {
		if strings.HasPrefix(k, p) {
			keys = append(keys, k)
		}
		return true
	})
	sort.Strings(keys)
	for _, k := range keys {
		b, ok := v.data.Load(k)
		if !ok {
			continue
		}
		if err := fn(k, append([]byte(nil), b...)); err != nil {
			return err
		}
	}
	return nil
}

type stagedValue struct {
	val     []byte
	deleted bool
}

// memTxn buffers writes until the update function returns.
type memTxn struct {
	base   memView
	staged map[string]stagedValue
}

func (t *memTxn) get(k string) ([]byte, error) {
	if v, ok := t.staged[k]; ok {
		if v.deleted {
			return nil, nil
		}
		return append([]byte(nil), v.val...), nil
	}
	return t.base.get(k)
}

func (t *memTxn) scan(p string, fn func(string, []byte) error) error {
	merged := map[string][]byte{}
	if err := t.base.scan(p, func(k string, b []byte) error {
		merged[k] = b
		return nil
	}); err != nil {
		return err
	}
	for k, v := range t.staged {
		if !strings.HasPrefix(k, p) {
			continue
		}
		if v.deleted {
			delete(merged, k)
		} else {
			merged[k] = v.val
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k, append([]byte(nil), merged[k]...)); err != nil {
			return err
		}
	}
	return nil
}

func (t *memTxn) set(k string, val []byte) error {
	t.staged[k] = stagedValue{val: append([]byte(nil), val...)}
	return nil
}

func (t *memTxn) del(k string) error {
	t.staged[k] = stagedValue{deleted: true}
	return nil
}
