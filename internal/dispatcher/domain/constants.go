package domain

// Dispatch loop states
const (
	StateIdle            = "IDLE"
	StatePolling         = "POLLING"
	StateDispatching     = "DISPATCHING"
	StateAwaitingWorkers = "AWAITING_WORKERS"
	StateReconciling     = "RECONCILING"
)

// Job dispositions recorded at the end of a worker run
const (
	DispositionCompleted = "COMPLETED"
	DispositionFailed    = "FAILED"
	DispositionDuplicate = "DUPLICATE"
)

// Acknowledgment modes
const (
	// AckOnReceipt deletes the original message before the instance is started.
	// A failed job is lost.
	AckOnReceipt = "on_receipt"
	// AckOnSuccess deletes the original message only after the job succeeded,
	// so a failed job becomes visible again once its visibility timeout expires.
	AckOnSuccess = "on_success"
)

// Storage event envelope
const (
	// DefaultEventSource is the event source of S3 upload notifications
	DefaultEventSource = "aws:s3"

	// CompletionAttribute marks messages posted back to the queue as completion signals
	CompletionAttribute = "dispatch-status"
	// CompletionValue is the value of CompletionAttribute on completion messages
	CompletionValue = "completed"

	// InputPlaceholder and OutputPlaceholder are substituted in the command template
	InputPlaceholder  = "inputFile"
	OutputPlaceholder = "outputFile"

	// OutputSuffix is appended to the input file name to build the output file name
	OutputSuffix = "_output.txt"
)
