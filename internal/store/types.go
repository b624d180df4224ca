package store

import (
	"errors"

	"printer-timelapse-backend/internal/model"
	"printer-timelapse-backend/internal/transfer"
)

// Trigger names recorded on a batch.
const (
	TriggerFinish = "FINISH"
	TriggerFailed = "FAILED"
	TriggerManual = "manual"
)

// NewBatchRecord flattens a transfer report into journal rows. batchErr is
// the error RetrieveBatch returned, if any.
func NewBatchRecord(trigger string, report *transfer.BatchReport, batchErr error) *model.TransferBatch {
	rec := &model.TransferBatch{
		ID:         report.ID.String(),
		Trigger:    trigger,
		RemoteDir:  report.RemoteDir,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		Status:     model.BatchStatusOK,
		Listed:     report.Listed,
		Downloaded: report.Downloaded(),
		Failed:     report.Failed(),
		Deleted:    report.Deleted(),
	}
	if batchErr != nil {
		rec.Status = model.BatchStatusFailed
		rec.Error = batchErr.Error()
		var be *transfer.BatchError
		if errors.As(batchErr, &be) {
			rec.FailedStep = string(be.Step)
		}
	}

	for _, f := range report.Files {
		outcomes := f.Outcomes()
		row := model.TransferFile{
			Name:      f.Name,
			LocalPath: f.LocalPath,
			Bytes:     f.Bytes,
			Outcome:   string(outcomes[len(outcomes)-1]),
		}
		if f.DownloadErr != nil {
			row.DownloadError = f.DownloadErr.Error()
		}
		if f.DeleteErr != nil {
			row.DeleteError = f.DeleteErr.Error()
		}
		rec.Files = append(rec.Files, row)
	}
	return rec
}
