package machine

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"olmkit/internal/domain"
)

type queued struct {
	seq uint64
	req *domain.ToDeviceRequest
}

// queue holds to-device requests until the caller reports them as sent.
type queue struct {
	seq     atomic.Uint64
	pending *xsync.Map[string, queued]
}

func newQueue() *queue {
	return &queue{pending: xsync.NewMap[string, queued]()}
}

func (q *queue) push(reqs ...*domain.ToDeviceRequest) {
	for _, req := range reqs {
		if req == nil || req.Len() == 0 {
			continue
		}
		q.pending.Store(req.TxnID, queued{seq: q.seq.Add(1), req: req})
	}
}

func (q *queue) list() []*domain.ToDeviceRequest {
	items := make([]queued, 0, q.pending.Size())
	q.pending.Range(func(_ string, v queued) bool {
		items = append(items, v)
		return true
	})
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	out := make([]*domain.ToDeviceRequest, len(items))
	for i, it := range items {
		out[i] = it.req
	}
	return out
}

func (q *queue) remove(txnID string) bool {
	_, ok := q.pending.LoadAndDelete(txnID)
	return ok
}

// OutgoingRequests returns the to-device requests waiting to be sent, oldest
// first. The same requests are returned until they are marked as sent.
func (m *Machine) OutgoingRequests() []*domain.ToDeviceRequest {
	return m.outgoing.list()
}

// MarkRequestAsSent tells the machine that the request txnID was delivered.
// Room keys it carried count as shared and key requests it carried move to
// sent. Unknown transactions are ignored.
func (m *Machine) MarkRequestAsSent(ctx context.Context, txnID string) error {
	if !m.outgoing.remove(txnID) {
		m.log.Debug("unknown transaction marked as sent", zap.String("txn_id", txnID))
	}
	if err := m.groups.MarkRequestAsSent(ctx, txnID); err != nil {
		return err
	}
	return m.requests.MarkRequestAsSent(ctx, txnID)
}
