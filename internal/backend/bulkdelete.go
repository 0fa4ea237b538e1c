package backend

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/SEESAI/supabase-storage/internal/logging"
	"github.com/SEESAI/supabase-storage/internal/metrics"
)

const (
	// bulkDeleteWorkers caps simultaneous backend delete calls.
	bulkDeleteWorkers = 10
	// bulkDeleteQueueDepth bounds the in-flight queue so very large
	// deletions never fan out unbounded.
	bulkDeleteQueueDepth = 1000
)

// BulkDelete feeds keys through a bounded worker pool calling del for each.
// Per-key failures are logged and swallowed; the call always completes once
// every key has been attempted (or the context is cancelled).
func BulkDelete(ctx context.Context, keys []string, del func(context.Context, string) error) {
	if len(keys) == 0 {
		return
	}

	queue := make(chan string, bulkDeleteQueueDepth)
	var wg sync.WaitGroup

	workers := bulkDeleteWorkers
	if len(keys) < workers {
		workers = len(keys)
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for key := range queue {
				if err := del(ctx, key); err != nil {
					metrics.RecordBulkDelete(false)
					logging.Warn("bulk delete: object delete failed",
						zap.String("key", key),
						zap.Error(err))
					continue
				}
				metrics.RecordBulkDelete(true)
			}
		}()
	}

	for _, key := range keys {
		select {
		case queue <- key:
		case <-ctx.Done():
			close(queue)
			wg.Wait()
			return
		}
	}
	close(queue)
	wg.Wait()
}
