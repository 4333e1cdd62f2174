package contracts

// ProcessingResult is the structured outcome a processor returns for one
// delivery. A failed result with Retryable set follows the backoff/retry
// path; a failed result without it goes straight to the dead-letter queue.
type ProcessingResult struct {
	Success   bool
	Retryable bool
	Err       error
	Data      any
}

// Succeed returns a successful result carrying optional handler output.
func Succeed(data any) ProcessingResult {
	return ProcessingResult{Success: true, Data: data}
}

// RetryableFailure returns a failed result eligible for the retry budget.
func RetryableFailure(err error) ProcessingResult {
	return ProcessingResult{Retryable: true, Err: err}
}

// PermanentFailure returns a failed result that must not be retried.
func PermanentFailure(err error) ProcessingResult {
	return ProcessingResult{Err: err}
}
