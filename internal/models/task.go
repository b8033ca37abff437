package models

// TaskState is the lifecycle of a single upload task. Success and Failed
// are terminal; a Failed task stays addressable for manual retry.
type TaskState int

const (
	TaskIdle TaskState = iota
	TaskUploading
	TaskRetrying
	TaskSuccess
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskIdle:
		return "idle"
	case TaskUploading:
		return "uploading"
	case TaskRetrying:
		return "retrying"
	case TaskSuccess:
		return "success"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further automatic transitions.
func (s TaskState) Terminal() bool {
	return s == TaskSuccess || s == TaskFailed
}

// UploadTask tracks one queued asset through the upload state machine.
// The idempotency token is minted once at enqueue and reused verbatim on
// every retry of the same logical upload; the trace token exists only for
// log correlation.
type UploadTask struct {
	AssetID          string
	LocalPath        string
	IdempotencyToken string
	TraceToken       string

	State     TaskState
	Retries   int
	LastError string
	Category  ErrorCategory
	RemoteKey string
}
