package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"printer-timelapse-backend/internal/model"
	"printer-timelapse-backend/internal/store"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// Notice announces a finished batch that downloaded at least one file.
type Notice struct {
	BatchID string   `json:"batch_id"`
	Trigger string   `json:"trigger"`
	Files   []string `json:"files"`
}

// Message is the human-readable notification body.
func (n Notice) Message() string {
	if len(n.Files) == 1 {
		return fmt.Sprintf("Timelapse %s downloaded", n.Files[0])
	}
	return fmt.Sprintf("%d timelapses downloaded: %s", len(n.Files), strings.Join(n.Files, ", "))
}

type pushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Notice
}

// WorkerPool manages a pool of workers for sending notifications.
type WorkerPool struct {
	size    int
	jobs    chan Notice
	store   store.Store
	webpush *webpush.Options
	sender  NotificationSender
	log     *zap.Logger
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, s store.Store, webpushOptions *webpush.Options, log *zap.Logger) *WorkerPool {
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan Notice, size*4),
		store:   s,
		webpush: webpushOptions,
		sender:  &WebPushSender{}, // Use the real sender by default
		log:     log,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

// worker is the actual worker goroutine.
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.log.Debug("notification worker started", zap.Int("worker", id))
	for {
		select {
		case notice := <-wp.jobs:
			wp.sendNotice(ctx, notice)
		case <-ctx.Done():
			wp.log.Debug("notification worker shutting down", zap.Int("worker", id))
			return
		}
	}
}

// Dispatch queues a notice without blocking. It reports false when the
// queue is full and the notice was dropped.
func (wp *WorkerPool) Dispatch(notice Notice) bool {
	select {
	case wp.jobs <- notice:
		return true
	default:
		wp.log.Warn("notification queue full; dropping notice", zap.String("batch_id", notice.BatchID))
		return false
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan Notice {
	return wp.jobs
}

// sendNotice fans one notice out to every stored subscription.
func (wp *WorkerPool) sendNotice(ctx context.Context, notice Notice) {
	subscriptions, err := wp.store.ListSubscriptions(ctx)
	if err != nil {
		wp.log.Error("failed to load push subscriptions", zap.String("batch_id", notice.BatchID), zap.Error(err))
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	payload, err := json.Marshal(pushPayload{Title: "Print finished", Body: notice.Message(), Notice: notice})
	if err != nil {
		wp.log.Error("failed to encode push payload", zap.Error(err))
		return
	}

	wp.log.Info("sending push notifications", zap.String("batch_id", notice.BatchID), zap.Int("subscriptions", len(subscriptions)))
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload)
	}
}

// sendNotification sends a single web push notification.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		wp.log.Warn("failed to send push notification", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	// Handle expired subscriptions
	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		wp.log.Info("push subscription expired; deleting", zap.String("endpoint", sub.Endpoint))
		if err := wp.store.DeleteSubscription(ctx, sub.Endpoint); err != nil {
			wp.log.Error("failed to delete expired subscription", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		}
	}
}
