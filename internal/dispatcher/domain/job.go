package domain

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
)

// JobMessage is one queued storage-upload notification
type JobMessage struct {
	ID            string
	ReceiptHandle string
	Body          string // raw message body, re-posted verbatim on completion
	Event         events.S3EventRecord
	ReceivedAt    time.Time
	// ReceiveCount is the approximate number of deliveries, 0 when unknown
	ReceiveCount int
}

// Bucket returns the bucket that received the upload
func (j *JobMessage) Bucket() string {
	return j.Event.S3.Bucket.Name
}

// ObjectKey returns the URL-decoded key of the uploaded object
func (j *JobMessage) ObjectKey() string {
	key := j.Event.S3.Object.URLDecodedKey
	if key != "" {
		return key
	}
	// S3 notifications encode keys like form values
	decoded, err := url.QueryUnescape(j.Event.S3.Object.Key)
	if err != nil {
		return j.Event.S3.Object.Key
	}
	return decoded
}

// InputFile is the file name the remote command reads
func (j *JobMessage) InputFile() string {
	key := strings.TrimSuffix(j.ObjectKey(), "/")
	if key == "" {
		return ""
	}
	return path.Base(key)
}

// safeFileName matches names that need no quoting in a POSIX shell and
// cannot be read as an option.
var safeFileName = regexp.MustCompile(`^[A-Za-z0-9_.+=@,][A-Za-z0-9_.+=@,-]*$`)

// ValidateInputFile rejects input file names that are empty, not a plain
// file name, or unsafe to paste into a shell command.
func (j *JobMessage) ValidateInputFile() error {
	name := j.InputFile()
	switch {
	case name == "", name == ".", name == "..", name == "/":
		return fmt.Errorf("%w: no file name in key %q", ErrUnsafeObjectKey, j.ObjectKey())
	case !safeFileName.MatchString(name):
		return fmt.Errorf("%w: %q", ErrUnsafeObjectKey, name)
	}
	return nil
}

// OutputFile is the file name the remote command writes
func (j *JobMessage) OutputFile() string {
	return j.InputFile() + OutputSuffix
}

// InstanceState mirrors the compute instance lifecycle
type InstanceState string

const (
	InstancePending  InstanceState = "pending"
	InstanceRunning  InstanceState = "running"
	InstanceStopping InstanceState = "stopping"
	InstanceStopped  InstanceState = "stopped"
)

// Instance is a compute instance the dispatcher may start and stop
type Instance struct {
	ID            string
	State         InstanceState
	PublicAddress string
}

// Pairing maps one job to one instance for the length of a cycle
type Pairing struct {
	Index      int
	Job        *JobMessage
	InstanceID string
}

// CommandOutput is what the remote command produced
type CommandOutput struct {
	Stdout     []string
	Stderr     []string
	ExitStatus *int
}

// Succeeded reports whether the command left its error stream empty
func (o *CommandOutput) Succeeded() bool {
	return o != nil && len(o.Stderr) == 0
}

// Result is the outcome of one worker
type Result struct {
	Pairing     Pairing
	Started     bool
	Output      *CommandOutput
	Disposition string
	Err         error
}

// CycleReport summarizes one dispatch cycle
type CycleReport struct {
	CycleID     string    `json:"cycle_id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Fetched     int       `json:"fetched"`
	Paired      int       `json:"paired"`
	Dropped     int       `json:"dropped"`
	Completed   int       `json:"completed"`
	Failed      int       `json:"failed"`
	Duplicates  int       `json:"duplicates"`
	InstanceIDs []string  `json:"instance_ids"`
	Results     []Result  `json:"-"`
}

// ProcessedEntry records a job that finished successfully
type ProcessedEntry struct {
	MessageID   string    `json:"message_id" db:"message_id"`
	ObjectKey   string    `json:"object_key" db:"object_key"`
	InstanceID  string    `json:"instance_id" db:"instance_id"`
	ProcessedAt time.Time `json:"processed_at" db:"processed_at"`
}

// FailureRecord is a dead-letter entry for a job that did not complete
type FailureRecord struct {
	MessageID  string    `json:"message_id" db:"message_id"`
	ObjectKey  string    `json:"object_key" db:"object_key"`
	InstanceID string    `json:"instance_id" db:"instance_id"`
	Error      string    `json:"error" db:"error"`
	Stderr     string    `json:"stderr" db:"stderr"`
	Body       string    `json:"body" db:"body"`
	FailedAt   time.Time `json:"failed_at" db:"failed_at"`
}
