package collector

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"printer-timelapse-backend/config"
	"printer-timelapse-backend/internal/metrics"
	"printer-timelapse-backend/internal/model"
	"printer-timelapse-backend/internal/notification"
	"printer-timelapse-backend/internal/store"
	"printer-timelapse-backend/internal/transfer"
)

// Retriever runs a single FTP batch.
type Retriever interface {
	RetrieveBatch(ctx context.Context, p transfer.Params) (*transfer.BatchReport, error)
}

// Notifier queues a push notification.
type Notifier interface {
	Dispatch(notice notification.Notice) bool
}

// Service runs a retrieval batch for each download request and records the
// result. It implements monitor.Downloader.
type Service struct {
	params    transfer.Params
	retriever Retriever
	store     store.Store
	notifier  Notifier
	log       *zap.Logger
}

// ParamsFromConfig builds the batch parameters from the loaded configuration.
func ParamsFromConfig(cfg *config.Config) (transfer.Params, error) {
	mode, err := transfer.ParseMode(cfg.FTPS.TLSMode)
	if err != nil {
		return transfer.Params{}, err
	}
	return transfer.Params{
		Host:               cfg.Printer.Host,
		Port:               cfg.FTPS.Port,
		Username:           cfg.FTPS.Username,
		Password:           cfg.FTPS.Password,
		Mode:               mode,
		InsecureSkipVerify: cfg.FTPS.InsecureSkipVerify,
		Timeout:            cfg.FTPS.Timeout,
		DisableEPSV:        cfg.FTPS.DisableEPSV,
		RemoteDir:          cfg.FTPS.RemoteDir,
		LocalDir:           cfg.Download.Dir,
		Suffix:             cfg.FTPS.FileSuffix,
		DeleteAfter:        cfg.FTPS.DeleteAfterDownload,
		AtomicWrites:       cfg.Download.AtomicWrites,
	}, nil
}

// NewService creates a collector. notifier may be nil when push is not
// configured.
func NewService(p transfer.Params, r Retriever, s store.Store, n Notifier, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{params: p, retriever: r, store: s, notifier: n, log: log}
}

// Download runs one batch. The returned error is the batch-level failure, if
// any; per-file failures and journal errors are only logged.
func (s *Service) Download(ctx context.Context, trigger string) error {
	start := time.Now()
	report, batchErr := s.retriever.RetrieveBatch(ctx, s.params)
	metrics.BatchDuration.Observe(time.Since(start).Seconds())
	if report == nil {
		return fmt.Errorf("retrieval returned no report: %w", batchErr)
	}

	rec := store.NewBatchRecord(trigger, report, batchErr)
	observe(rec, report)

	if err := s.store.SaveBatch(ctx, rec); err != nil {
		s.log.Error("failed to record batch", zap.String("batch_id", rec.ID), zap.Error(err))
	}

	if s.notifier != nil && rec.Downloaded > 0 {
		s.notifier.Dispatch(notification.Notice{
			BatchID: rec.ID,
			Trigger: trigger,
			Files:   report.DownloadedNames(),
		})
	}
	return batchErr
}

func observe(rec *model.TransferBatch, report *transfer.BatchReport) {
	metrics.Batches.WithLabelValues(rec.Status, rec.FailedStep).Inc()
	for _, f := range report.Files {
		for _, o := range f.Outcomes() {
			metrics.Files.WithLabelValues(string(o)).Inc()
		}
		if f.Downloaded {
			metrics.BytesDownloaded.Add(float64(f.Bytes))
		}
	}
}
