package service

import (
	"context"
	"fmt"
	"time"

	"github.com/doorlock-system/logstore/internal/logstore/store"
)

// DefaultQueryLimit caps unbounded log queries.
const DefaultQueryLimit = 100

// QueryService answers retained-log queries. Each query snapshots the
// partition list once, so a maintenance drop racing the query can at
// worst remove a table the scan then skips, never corrupt a result.
type QueryService struct {
	catalog store.PartitionCatalog
	logs    store.LogStore
}

func NewQueryService(catalog store.PartitionCatalog, logs store.LogStore) *QueryService {
	return &QueryService{catalog: catalog, logs: logs}
}

// AccessLogs returns access records matching aq, newest first. A zero
// "To" means now.
func (q *QueryService) AccessLogs(ctx context.Context, aq store.AccessQuery) ([]store.AccessLogRecord, error) {
	if aq.To.IsZero() {
		aq.To = time.Now().UTC()
	}
	if !aq.From.Before(aq.To) {
		return []store.AccessLogRecord{}, nil
	}
	if aq.Limit <= 0 {
		aq.Limit = DefaultQueryLimit
	}
	aq.From, aq.To = aq.From.UTC(), aq.To.UTC()

	parts, err := q.catalog.List(ctx, store.StoreAccessLogs)
	if err != nil {
		return nil, fmt.Errorf("partition snapshot: %w", err)
	}

	recs, err := q.logs.QueryAccess(ctx, parts, aq)
	if err != nil {
		return nil, fmt.Errorf("query access logs: %w", err)
	}
	if recs == nil {
		recs = []store.AccessLogRecord{}
	}
	return recs, nil
}
