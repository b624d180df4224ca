package model

import "time"

// Batch statuses.
const (
	BatchStatusOK     = "ok"
	BatchStatusFailed = "failed"
)

// TransferBatch records one retrieval run against the printer's file server.
type TransferBatch struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	Trigger    string    `gorm:"size:32;not null" json:"trigger"`
	RemoteDir  string    `gorm:"size:256;not null" json:"remoteDir"`
	StartedAt  time.Time `gorm:"not null;index" json:"startedAt"`
	FinishedAt time.Time `gorm:"not null" json:"finishedAt"`
	Status     string    `gorm:"size:16;not null" json:"status"`
	FailedStep string    `gorm:"size:64" json:"failedStep,omitempty"`
	Error      string    `json:"error,omitempty"`
	Listed     int       `gorm:"not null" json:"listed"`
	Downloaded int       `gorm:"not null" json:"downloaded"`
	Failed     int       `gorm:"not null" json:"failed"`
	Deleted    int       `gorm:"not null" json:"deleted"`

	// Associations
	Files []TransferFile `gorm:"foreignKey:BatchID;constraint:OnDelete:CASCADE" json:"files,omitempty"`
}

// TransferFile is the final outcome for one file within a batch.
type TransferFile struct {
	ID            int64  `gorm:"primaryKey" json:"-"`
	BatchID       string `gorm:"index;size:36;not null" json:"-"`
	Name          string `gorm:"size:512;not null" json:"name"`
	LocalPath     string `gorm:"size:1024" json:"localPath"`
	Bytes         int64  `json:"bytes"`
	Outcome       string `gorm:"size:32;not null" json:"outcome"`
	DownloadError string `json:"downloadError,omitempty"`
	DeleteError   string `json:"deleteError,omitempty"`
}
