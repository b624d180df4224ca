package api

import (
	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"printer-timelapse-backend/internal/monitor"
	"printer-timelapse-backend/internal/store"
)

// StatusSource exposes the monitor's latest observations.
type StatusSource interface {
	Snapshot() monitor.Status
}

// DownloadTrigger queues a manual download.
type DownloadTrigger interface {
	SubmitManual() bool
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store   store.Store
	status  StatusSource
	trigger DownloadTrigger
	webpush *webpush.Options
	log     *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, status StatusSource, trigger DownloadTrigger, webpushOptions *webpush.Options, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		store:   s,
		status:  status,
		trigger: trigger,
		webpush: webpushOptions,
		log:     log,
	}
}
