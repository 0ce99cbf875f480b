package dripflow

import (
	"context"
	"errors"
	"fmt"
)

// JobHandler processes one delivered job. Returning an error schedules a retry
// with backoff until the job runs out of attempts.
type JobHandler func(ctx context.Context, jr JobRecord) error

var errUnknownOperation = errors.New("no handler registered for operation")

// RegisterHandler associates an Operation with a JobHandler. Handlers may be
// registered before or after StartWorkers.
func (q *Queue) RegisterHandler(op Operation, handler JobHandler) {
	q.handlerMu.Lock()
	q.handlers[op] = handler
	q.handlerMu.Unlock()
}

// getHandler returns the JobHandler for the given operation or an error if not found.
func (q *Queue) getHandler(op Operation) (JobHandler, error) {
	q.handlerMu.RLock()
	defer q.handlerMu.RUnlock()
	handler, ok := q.handlers[op]
	if !ok {
		return nil, fmt.Errorf("%w %s", errUnknownOperation, op)
	}
	return handler, nil
}
