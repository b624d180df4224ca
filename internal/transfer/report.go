package transfer

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outcome is one recorded result for a single remote file.
type Outcome string

const (
	OutcomeDownloaded     Outcome = "downloaded"
	OutcomeDownloadFailed Outcome = "download_failed"
	OutcomeDeleted        Outcome = "deleted"
	OutcomeDeleteFailed   Outcome = "delete_failed"
)

// FileResult is what happened to one listed file. A failed delete never
// clears Downloaded.
type FileResult struct {
	Name        string
	LocalPath   string
	Bytes       int64
	Downloaded  bool
	DownloadErr error
	// DeleteAttempted is only ever true when Downloaded is true.
	DeleteAttempted bool
	Deleted         bool
	DeleteErr       error
}

// Outcomes lists the recorded outcomes in the order they happened.
func (r FileResult) Outcomes() []Outcome {
	if !r.Downloaded {
		return []Outcome{OutcomeDownloadFailed}
	}
	out := []Outcome{OutcomeDownloaded}
	if r.DeleteAttempted {
		if r.Deleted {
			out = append(out, OutcomeDeleted)
		} else {
			out = append(out, OutcomeDeleteFailed)
		}
	}
	return out
}

// BatchReport aggregates one RetrieveBatch call. Files is empty when the batch
// aborted before listing.
type BatchReport struct {
	ID         uuid.UUID
	RemoteDir  string
	StartedAt  time.Time
	FinishedAt time.Time
	// Listed counts every name returned by the server, before suffix filtering.
	Listed int
	Files  []FileResult
}

func newBatchReport(remoteDir string) *BatchReport {
	return &BatchReport{
		ID:        uuid.New(),
		RemoteDir: remoteDir,
		StartedAt: time.Now().UTC(),
	}
}

// Downloaded counts files that were fully written locally.
func (b *BatchReport) Downloaded() int {
	n := 0
	for _, f := range b.Files {
		if f.Downloaded {
			n++
		}
	}
	return n
}

// Failed counts files whose retrieval failed.
func (b *BatchReport) Failed() int {
	return len(b.Files) - b.Downloaded()
}

// Deleted counts remote files removed after download.
func (b *BatchReport) Deleted() int {
	n := 0
	for _, f := range b.Files {
		if f.Deleted {
			n++
		}
	}
	return n
}

// DownloadedNames returns the names of successfully retrieved files in listing order.
func (b *BatchReport) DownloadedNames() []string {
	var names []string
	for _, f := range b.Files {
		if f.Downloaded {
			names = append(names, f.Name)
		}
	}
	return names
}

// BatchError is a failure that aborted the whole batch before any file was
// attempted.
type BatchError struct {
	Step Step
	Err  error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}
