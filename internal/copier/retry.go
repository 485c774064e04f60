package copier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"mt5-copytrader/internal/metrics"
	"mt5-copytrader/internal/mt5"
)

// OperationType names the trade operation being attempted.
type OperationType string

const (
	OpOpen         OperationType = "open"
	OpClose        OperationType = "close"
	OpModify       OperationType = "modify"
	OpPartialClose OperationType = "partial_close"
)

// OperationStatus is the retry state machine position of one operation:
// pending -> processing -> (completed | failed), looping back to pending on
// a retryable failure.
type OperationStatus string

const (
	OpPending    OperationStatus = "pending"
	OpProcessing OperationStatus = "processing"
	OpCompleted  OperationStatus = "completed"
	OpFailed     OperationStatus = "failed"
)

// QueuedOperation is the persisted form of an operation; the live path does
// not consult the queue, it only records terminally failed opens there for a
// durable-retry variant to pick up.
type QueuedOperation struct {
	ID           int64
	Type         OperationType
	MasterTicket int64
	SlaveName    string
	Payload      map[string]interface{}
	Attempts     int
	MaxAttempts  int
	Status       OperationStatus
	ErrorMessage string
	CreatedAt    time.Time
	NextRetryAt  *time.Time
	CompletedAt  *time.Time
}

// Operation tracks one in-flight trade operation through the retry loop.
// The terminal callbacks fire exactly once.
type Operation struct {
	Type         OperationType
	MasterTicket int64
	SlaveName    string
	Attempts     int
	Status       OperationStatus
	ErrorMessage string
	NextRetryAt  *time.Time
	CompletedAt  *time.Time

	OnSuccess func(result *mt5.OrderResult)
	OnFailure func(errMsg string)
}

// ExecFunc performs one attempt. A transport failure comes back as an error;
// a broker rejection comes back in the result's retcode.
type ExecFunc func(ctx context.Context) (*mt5.OrderResult, error)

// nonRetryableCodes fail an operation immediately: the trade server has
// rejected the request for a reason a retry cannot change.
var nonRetryableCodes = map[int]struct{}{
	mt5.RetcodeReject:        {},
	mt5.RetcodeInvalidVolume: {},
	mt5.RetcodeInvalidPrice:  {},
	mt5.RetcodeInvalidStops:  {},
	mt5.RetcodeNoMoney:       {},
}

// RetryManager wraps trade operations with bounded exponential backoff.
type RetryManager struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewRetryManager creates a manager with the default 1s base and 30s cap.
func NewRetryManager(maxAttempts int) *RetryManager {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &RetryManager{
		maxAttempts: maxAttempts,
		baseDelay:   time.Second,
		maxDelay:    30 * time.Second,
	}
}

// Retryable reports whether a retcode may be retried.
func (r *RetryManager) Retryable(retcode int) bool {
	_, terminal := nonRetryableCodes[retcode]
	return !terminal
}

// Delay returns the backoff before attempt k+1, for 1-based attempt k:
// min(base * 2^(k-1), max).
func (r *RetryManager) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := r.baseDelay << (attempt - 1)
	if delay > r.maxDelay || delay <= 0 {
		delay = r.maxDelay
	}
	return delay
}

// NewOperation creates a pending operation bound to this manager's attempt
// budget.
func (r *RetryManager) NewOperation(opType OperationType, masterTicket int64, slaveName string) *Operation {
	return &Operation{
		Type:         opType,
		MasterTicket: masterTicket,
		SlaveName:    slaveName,
		Status:       OpPending,
	}
}

// Execute runs fn until it succeeds, fails terminally, or the attempt budget
// is exhausted. Returns the last result and whether the operation completed.
func (r *RetryManager) Execute(ctx context.Context, op *Operation, fn ExecFunc) (*mt5.OrderResult, bool) {
	var lastResult *mt5.OrderResult

	for op.Attempts < r.maxAttempts {
		op.Attempts++
		op.Status = OpProcessing

		result, err := fn(ctx)
		lastResult = result

		if err == nil && result.Done() {
			now := time.Now()
			op.Status = OpCompleted
			op.CompletedAt = &now

			log.Info().
				Str("operation", string(op.Type)).
				Int64("master_ticket", op.MasterTicket).
				Str("slave", op.SlaveName).
				Int("attempts", op.Attempts).
				Msg("operation succeeded")

			if op.OnSuccess != nil {
				op.OnSuccess(result)
			}
			return result, true
		}

		switch {
		case err != nil:
			op.ErrorMessage = err.Error()
			if errors.Is(err, ErrPrecondition) {
				return r.fail(op, lastResult, "operation failed on precondition")
			}
		case result != nil:
			op.ErrorMessage = fmt.Sprintf("retcode %d: %s", result.Retcode, result.Comment)
			if !r.Retryable(result.Retcode) {
				return r.fail(op, lastResult, "operation failed, non-retryable retcode")
			}
		default:
			op.ErrorMessage = "no result"
		}

		if op.Attempts >= r.maxAttempts {
			break
		}

		delay := r.Delay(op.Attempts)
		next := time.Now().Add(delay)
		op.NextRetryAt = &next
		op.Status = OpPending
		metrics.IncRetry(string(op.Type))

		log.Warn().
			Str("operation", string(op.Type)).
			Int64("master_ticket", op.MasterTicket).
			Str("slave", op.SlaveName).
			Int("attempt", op.Attempts).
			Dur("next_retry_in", delay).
			Str("error", op.ErrorMessage).
			Msg("operation retry scheduled")

		select {
		case <-ctx.Done():
			return r.fail(op, lastResult, "operation cancelled")
		case <-time.After(delay):
		}
	}

	return r.fail(op, lastResult, "operation failed, retries exhausted")
}

func (r *RetryManager) fail(op *Operation, result *mt5.OrderResult, msg string) (*mt5.OrderResult, bool) {
	now := time.Now()
	op.Status = OpFailed
	op.CompletedAt = &now

	log.Error().
		Str("operation", string(op.Type)).
		Int64("master_ticket", op.MasterTicket).
		Str("slave", op.SlaveName).
		Int("attempts", op.Attempts).
		Str("error", op.ErrorMessage).
		Msg(msg)

	if op.OnFailure != nil {
		op.OnFailure(op.ErrorMessage)
	}
	return result, false
}

// Queued converts an operation into its persisted form.
func (op *Operation) Queued(payload map[string]interface{}, maxAttempts int) *QueuedOperation {
	return &QueuedOperation{
		Type:         op.Type,
		MasterTicket: op.MasterTicket,
		SlaveName:    op.SlaveName,
		Payload:      payload,
		Attempts:     op.Attempts,
		MaxAttempts:  maxAttempts,
		Status:       op.Status,
		ErrorMessage: op.ErrorMessage,
		CreatedAt:    time.Now(),
		NextRetryAt:  op.NextRetryAt,
		CompletedAt:  op.CompletedAt,
	}
}
