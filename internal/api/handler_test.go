package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"printer-timelapse-backend/config"
	"printer-timelapse-backend/internal/model"
	"printer-timelapse-backend/internal/monitor"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockStore implements store.Store via optional func fields. Unset funcs
// behave like an empty database.
type mockStore struct {
	ListBatchesFunc        func(ctx context.Context, limit int) ([]model.TransferBatch, error)
	GetBatchFunc           func(ctx context.Context, id string) (*model.TransferBatch, error)
	LatestBatchFunc        func(ctx context.Context) (*model.TransferBatch, error)
	UpsertSubscriptionFunc func(ctx context.Context, sub *model.PushSubscription) error
	GetSubscriptionFunc    func(ctx context.Context, endpoint string) (*model.PushSubscription, error)
	DeleteSubscriptionFunc func(ctx context.Context, endpoint string) error
}

func (m *mockStore) SaveBatch(context.Context, *model.TransferBatch) error { return nil }
func (m *mockStore) ListBatches(ctx context.Context, limit int) ([]model.TransferBatch, error) {
	if m.ListBatchesFunc == nil {
		return nil, nil
	}
	return m.ListBatchesFunc(ctx, limit)
}
func (m *mockStore) GetBatch(ctx context.Context, id string) (*model.TransferBatch, error) {
	if m.GetBatchFunc == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return m.GetBatchFunc(ctx, id)
}
func (m *mockStore) LatestBatch(ctx context.Context) (*model.TransferBatch, error) {
	if m.LatestBatchFunc == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return m.LatestBatchFunc(ctx)
}
func (m *mockStore) UpsertSubscription(ctx context.Context, sub *model.PushSubscription) error {
	if m.UpsertSubscriptionFunc == nil {
		return nil
	}
	return m.UpsertSubscriptionFunc(ctx, sub)
}
func (m *mockStore) GetSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error) {
	if m.GetSubscriptionFunc == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return m.GetSubscriptionFunc(ctx, endpoint)
}
func (m *mockStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	if m.DeleteSubscriptionFunc == nil {
		return nil
	}
	return m.DeleteSubscriptionFunc(ctx, endpoint)
}
func (m *mockStore) ListSubscriptions(context.Context) ([]model.PushSubscription, error) {
	return nil, nil
}
func (m *mockStore) DB() *gorm.DB { return nil }

type staticStatus monitor.Status

func (s staticStatus) Snapshot() monitor.Status { return monitor.Status(s) }

type mockTrigger struct {
	accept bool
	calls  int
}

func (m *mockTrigger) SubmitManual() bool {
	m.calls++
	return m.accept
}

func newTestRouter(s *mockStore, trigger *mockTrigger, opts *webpush.Options) *gin.Engine {
	percent := 100
	status := staticStatus{GcodeState: "FINISH", SubtaskName: "benchy", Percent: &percent, Events: 3}
	h := NewHandler(s, status, trigger, opts, zap.NewNop())
	return NewRouter(h, config.ServerConfig{RateLimitPerSec: 1000, RateLimitBurst: 1000, CacheTTLSeconds: 1}, zap.NewNop())
}

func serve(r http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func sampleBatch() *model.TransferBatch {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &model.TransferBatch{
		ID: "11111111-1111-1111-1111-111111111111", Trigger: "FINISH", RemoteDir: "timelapse",
		StartedAt: at, FinishedAt: at, Status: model.BatchStatusOK, Listed: 1, Downloaded: 1,
		Files: []model.TransferFile{{Name: "a.avi", LocalPath: "/downloads/a.avi", Bytes: 10, Outcome: "downloaded"}},
	}
}

func TestGetStatus(t *testing.T) {
	t.Run("no batches yet", func(t *testing.T) {
		w := serve(newTestRouter(&mockStore{}, &mockTrigger{}, nil), http.MethodGet, "/api/status", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"gcodeState":"FINISH","subtaskName":"benchy","percent":100,"updatedAt":"0001-01-01T00:00:00Z","events":3,"lastTriggerAt":"0001-01-01T00:00:00Z","lastBatch":null}`, w.Body.String())
	})

	t.Run("with last batch", func(t *testing.T) {
		s := &mockStore{LatestBatchFunc: func(context.Context) (*model.TransferBatch, error) { return sampleBatch(), nil }}
		w := serve(newTestRouter(s, &mockTrigger{}, nil), http.MethodGet, "/api/status", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"lastBatch":{"id":"11111111-1111-1111-1111-111111111111"`)
	})

	t.Run("store failure", func(t *testing.T) {
		s := &mockStore{LatestBatchFunc: func(context.Context) (*model.TransferBatch, error) { return nil, errors.New("db down") }}
		w := serve(newTestRouter(s, &mockTrigger{}, nil), http.MethodGet, "/api/status", "")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestListBatches(t *testing.T) {
	var gotLimit int
	s := &mockStore{ListBatchesFunc: func(_ context.Context, limit int) ([]model.TransferBatch, error) {
		gotLimit = limit
		return []model.TransferBatch{*sampleBatch()}, nil
	}}
	r := newTestRouter(s, &mockTrigger{}, nil)

	w := serve(r, http.MethodGet, "/api/batches", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, defaultBatchLimit, gotLimit)
	assert.Contains(t, w.Body.String(), `"name":"a.avi"`)

	w = serve(r, http.MethodGet, "/api/batches?limit=5000", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, maxBatchLimit, gotLimit)

	w = serve(r, http.MethodGet, "/api/batches?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	empty := serve(newTestRouter(&mockStore{}, &mockTrigger{}, nil), http.MethodGet, "/api/batches", "")
	assert.JSONEq(t, `[]`, empty.Body.String())
}

func TestGetBatch(t *testing.T) {
	s := &mockStore{GetBatchFunc: func(_ context.Context, id string) (*model.TransferBatch, error) {
		if id == sampleBatch().ID {
			return sampleBatch(), nil
		}
		return nil, gorm.ErrRecordNotFound
	}}
	r := newTestRouter(s, &mockTrigger{}, nil)

	w := serve(r, http.MethodGet, "/api/batches/"+sampleBatch().ID, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"outcome":"downloaded"`)

	w = serve(r, http.MethodGet, "/api/batches/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPostDownload(t *testing.T) {
	trigger := &mockTrigger{accept: true}
	w := serve(newTestRouter(&mockStore{}, trigger, nil), http.MethodPost, "/api/downloads", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"queued":true}`, w.Body.String())
	assert.Equal(t, 1, trigger.calls)

	full := &mockTrigger{accept: false}
	w = serve(newTestRouter(&mockStore{}, full, nil), http.MethodPost, "/api/downloads", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSubscriptions(t *testing.T) {
	t.Run("put requires fields", func(t *testing.T) {
		w := serve(newTestRouter(&mockStore{}, &mockTrigger{}, nil), http.MethodPut, "/api/subscriptions", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.JSONEq(t, `{"error":"invalid request"}`, w.Body.String())
	})

	t.Run("put upserts", func(t *testing.T) {
		var saved *model.PushSubscription
		s := &mockStore{UpsertSubscriptionFunc: func(_ context.Context, sub *model.PushSubscription) error {
			saved = sub
			return nil
		}}
		w := serve(newTestRouter(s, &mockTrigger{}, nil), http.MethodPut, "/api/subscriptions",
			`{"endpoint":"https://push.example.com/1","p256dh":"k","auth":"a"}`)
		assert.Equal(t, http.StatusCreated, w.Code)
		require.NotNil(t, saved)
		assert.Equal(t, "https://push.example.com/1", saved.Endpoint)
		assert.Equal(t, "k", saved.P256DH)
	})

	t.Run("get", func(t *testing.T) {
		created := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
		s := &mockStore{GetSubscriptionFunc: func(_ context.Context, endpoint string) (*model.PushSubscription, error) {
			if endpoint == "https://push.example.com/1?x=1" {
				return &model.PushSubscription{Endpoint: endpoint, CreatedAt: created}, nil
			}
			return nil, gorm.ErrRecordNotFound
		}}
		r := newTestRouter(s, &mockTrigger{}, nil)

		w := serve(r, http.MethodGet, "/api/subscriptions?endpoint=https%3A%2F%2Fpush.example.com%2F1%3Fx%3D1", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"endpoint":"https://push.example.com/1?x=1","createdAt":"2025-03-01T00:00:00Z"}`, w.Body.String())

		w = serve(r, http.MethodGet, "/api/subscriptions?endpoint=other", "")
		assert.Equal(t, http.StatusNotFound, w.Code)

		w = serve(r, http.MethodGet, "/api/subscriptions", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("delete", func(t *testing.T) {
		var deleted string
		s := &mockStore{DeleteSubscriptionFunc: func(_ context.Context, endpoint string) error {
			deleted = endpoint
			return nil
		}}
		w := serve(newTestRouter(s, &mockTrigger{}, nil), http.MethodDelete, "/api/subscriptions", `{"endpoint":"https://push.example.com/1"}`)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "https://push.example.com/1", deleted)
	})
}

func TestGetVAPIDPublicKey(t *testing.T) {
	testCases := []struct {
		name     string
		opts     *webpush.Options
		wantCode int
		wantBody string
		wantWarn int
	}{
		{"push disabled", nil, http.StatusServiceUnavailable, `{"error":"push notifications are not configured"}`, 1},
		{"empty key", &webpush.Options{}, http.StatusServiceUnavailable, `{"error":"push notifications are not configured"}`, 1},
		{"configured", &webpush.Options{VAPIDPublicKey: "BPub"}, http.StatusOK, `{"publicKey":"BPub"}`, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.WarnLevel)
			h := NewHandler(&mockStore{}, staticStatus{}, &mockTrigger{}, tc.opts, zap.New(core))
			r := NewRouter(h, config.ServerConfig{RateLimitPerSec: 1000, RateLimitBurst: 1000, CacheTTLSeconds: 1}, zap.NewNop())

			w := serve(r, http.MethodGet, "/api/vapid_public_key", "")
			assert.Equal(t, tc.wantCode, w.Code)
			assert.JSONEq(t, tc.wantBody, w.Body.String())
			assert.Equal(t, tc.wantWarn, logs.FilterMessage("vapid public key requested but push is not configured").Len())
		})
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	r := newTestRouter(&mockStore{}, &mockTrigger{}, nil)

	w := serve(r, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = serve(r, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "go_goroutines"))
}
