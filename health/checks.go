package health

import (
	"context"
	"fmt"

	"github.com/c360/statesync/batch"
	"github.com/c360/statesync/transaction"
)

// BatchQueueCheck reports degraded when the pending queue holds at least
// warnDepth operations and unhealthy at or beyond failDepth.
func BatchQueueCheck(m *batch.Manager, warnDepth, failDepth int) Check {
	return func(context.Context) Status {
		depth := m.GetStatistics().PendingOperations
		msg := fmt.Sprintf("%d operations pending", depth)
		switch {
		case failDepth > 0 && depth >= failDepth:
			return Unhealthy("batch", msg)
		case warnDepth > 0 && depth >= warnDepth:
			return Degraded("batch", msg)
		default:
			return Healthy("batch", msg)
		}
	}
}

// TransactionCheck reports degraded while a rollback is running and
// unhealthy when the last transaction failed.
func TransactionCheck(m *transaction.Manager) Check {
	return func(context.Context) Status {
		state := m.State()
		msg := "state " + state.String()
		switch state {
		case transaction.StateRollingBack:
			return Degraded("transaction", msg)
		case transaction.StateFailed:
			return Unhealthy("transaction", msg)
		default:
			return Healthy("transaction", msg)
		}
	}
}
