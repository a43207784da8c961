package dispatcher_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-dispatcher/internal/dispatcher"
	"github.com/tinywideclouds/go-push-dispatcher/internal/metrics"
	"github.com/tinywideclouds/go-push-dispatcher/internal/storage/cache"
	"github.com/tinywideclouds/go-push-dispatcher/pkg/dispatch"
	"github.com/tinywideclouds/go-push-dispatcher/pkg/notification"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Mocks ---

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Send(ctx context.Context, msg *messaging.Message) (string, error) {
	args := m.Called(ctx, msg)
	return args.String(0), args.Error(1)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) WriteStatus(ctx context.Context, documentID string, update dispatch.StatusUpdate) error {
	return m.Called(ctx, documentID, update).Error(0)
}

type mockGuard struct {
	mock.Mock
}

func (m *mockGuard) Claim(ctx context.Context, documentID string) (bool, error) {
	args := m.Called(ctx, documentID)
	return args.Bool(0), args.Error(1)
}

func (m *mockGuard) Release(ctx context.Context, documentID string) error {
	return m.Called(ctx, documentID).Error(0)
}

// memClaims is an in-memory stand-in for the Redis claim commands.
type memClaims struct {
	mu   sync.Mutex
	keys map[string]string
}

func (c *memClaims) SetNX(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keys == nil {
		c.keys = map[string]string{}
	}
	if _, ok := c.keys[key]; ok {
		return false, nil
	}
	c.keys[key] = value
	return true, nil
}

func (c *memClaims) Del(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, key)
	return nil
}

func validRecord() *notification.NotificationRecord {
	return &notification.NotificationRecord{
		FCMToken:       "tok1",
		Title:          "Hi",
		Body:           "Hello",
		NotificationID: "n1",
	}
}

func TestDispatch_AlreadySent(t *testing.T) {
	gw := new(mockGateway)
	store := new(mockStore)
	d := dispatcher.New(gw, store, newTestLogger())

	rec := validRecord()
	rec.Sent = true

	res := d.Dispatch(context.Background(), "doc-1", rec)

	assert.Equal(t, dispatcher.OutcomeAlreadyProcessed, res.Outcome)
	assert.NoError(t, res.Err)
	gw.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "WriteStatus", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatch_MissingFields(t *testing.T) {
	testCases := []struct {
		name    string
		record  notification.NotificationRecord
		missing []string
	}{
		{
			name:    "no token",
			record:  notification.NotificationRecord{Title: "Hi", Body: "Hello"},
			missing: []string{"fcmToken"},
		},
		{
			name:    "no title",
			record:  notification.NotificationRecord{FCMToken: "tok1", Body: "Hello"},
			missing: []string{"title"},
		},
		{
			name:    "empty body",
			record:  notification.NotificationRecord{FCMToken: "tok1", Title: "Hi", Body: ""},
			missing: []string{"body"},
		},
		{
			name:    "everything missing",
			record:  notification.NotificationRecord{NotificationID: "n1"},
			missing: []string{"fcmToken", "title", "body"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gw := new(mockGateway)
			store := new(mockStore)
			store.On("WriteStatus", mock.Anything, "doc-v", dispatch.StatusUpdate{
				Sent:  false,
				Error: "Missing required fields",
			}).Return(nil).Once()

			d := dispatcher.New(gw, store, newTestLogger())
			rec := tc.record
			res := d.Dispatch(context.Background(), "doc-v", &rec)

			assert.Equal(t, dispatcher.OutcomeInvalid, res.Outcome)
			require.Error(t, res.Err)
			assert.True(t, dispatcher.IsValidation(res.Err))
			var verr *dispatcher.ValidationError
			require.ErrorAs(t, res.Err, &verr)
			assert.Equal(t, tc.missing, verr.Missing)
			assert.NoError(t, res.WriteErr)

			gw.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
			store.AssertExpectations(t)
		})
	}
}

func TestDispatch_Delivery(t *testing.T) {
	ctx := context.Background()

	t.Run("Success records message id", func(t *testing.T) {
		gw := new(mockGateway)
		store := new(mockStore)

		gw.On("Send", ctx, mock.MatchedBy(func(msg *messaging.Message) bool {
			return msg.Token == "tok1" &&
				msg.Data["type"] == "social_notification" &&
				msg.Data["notificationId"] == "n1" &&
				msg.Data["postId"] == "" &&
				msg.Data["userEmail"] == ""
		})).Return("projects/x/messages/123", nil).Once()
		store.On("WriteStatus", ctx, "doc-1", dispatch.StatusUpdate{
			Sent:      true,
			MessageID: "projects/x/messages/123",
		}).Return(nil).Once()

		d := dispatcher.New(gw, store, newTestLogger())
		res := d.Dispatch(ctx, "doc-1", validRecord())

		assert.Equal(t, dispatcher.OutcomeSent, res.Outcome)
		assert.Equal(t, "projects/x/messages/123", res.MessageID)
		assert.NoError(t, res.Err)
		gw.AssertExpectations(t)
		store.AssertExpectations(t)
	})

	t.Run("Gateway failure is recorded, not raised", func(t *testing.T) {
		gw := new(mockGateway)
		store := new(mockStore)

		gw.On("Send", ctx, mock.Anything).Return("", errors.New("Requested entity was not found.")).Once()
		store.On("WriteStatus", ctx, "doc-2", dispatch.StatusUpdate{
			Sent:  false,
			Error: "Requested entity was not found.",
		}).Return(nil).Once()

		d := dispatcher.New(gw, store, newTestLogger())
		res := d.Dispatch(ctx, "doc-2", validRecord())

		assert.Equal(t, dispatcher.OutcomeFailed, res.Outcome)
		assert.True(t, dispatcher.IsDelivery(res.Err))
		assert.Equal(t, "Requested entity was not found.", res.Err.Error())
		assert.Empty(t, res.MessageID)
		gw.AssertNumberOfCalls(t, "Send", 1)
		store.AssertExpectations(t)
	})

	t.Run("Write-back failure is reported on the result", func(t *testing.T) {
		gw := new(mockGateway)
		store := new(mockStore)
		m := metrics.NewMetrics()

		gw.On("Send", ctx, mock.Anything).Return("projects/x/messages/9", nil).Once()
		store.On("WriteStatus", ctx, "doc-3", mock.Anything).Return(errors.New("deadline exceeded")).Once()

		d := dispatcher.New(gw, store, newTestLogger(), dispatcher.WithMetrics(m))
		res := d.Dispatch(ctx, "doc-3", validRecord())

		assert.Equal(t, dispatcher.OutcomeSent, res.Outcome)
		require.Error(t, res.WriteErr)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.WriteBackFailuresTotal))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.OutcomesTotal.WithLabelValues("sent")))
	})
}

func TestDispatch_ReplayGuard(t *testing.T) {
	ctx := context.Background()

	t.Run("Lost claim skips delivery", func(t *testing.T) {
		gw := new(mockGateway)
		store := new(mockStore)
		guard := new(mockGuard)
		guard.On("Claim", ctx, "doc-1").Return(false, nil).Once()

		d := dispatcher.New(gw, store, newTestLogger(), dispatcher.WithReplayGuard(guard))
		res := d.Dispatch(ctx, "doc-1", validRecord())

		assert.Equal(t, dispatcher.OutcomeAlreadyProcessed, res.Outcome)
		gw.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
		store.AssertNotCalled(t, "WriteStatus", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Guard error fails open", func(t *testing.T) {
		gw := new(mockGateway)
		store := new(mockStore)
		guard := new(mockGuard)
		guard.On("Claim", ctx, "doc-1").Return(false, errors.New("redis down")).Once()
		gw.On("Send", ctx, mock.Anything).Return("id-1", nil).Once()
		store.On("WriteStatus", ctx, "doc-1", mock.Anything).Return(nil).Once()

		d := dispatcher.New(gw, store, newTestLogger(), dispatcher.WithReplayGuard(guard))
		res := d.Dispatch(ctx, "doc-1", validRecord())

		assert.Equal(t, dispatcher.OutcomeSent, res.Outcome)
		gw.AssertExpectations(t)
	})

	t.Run("Invalid records never take a claim", func(t *testing.T) {
		gw := new(mockGateway)
		store := new(mockStore)
		guard := new(mockGuard)
		store.On("WriteStatus", ctx, "doc-1", mock.Anything).Return(nil).Once()

		d := dispatcher.New(gw, store, newTestLogger(), dispatcher.WithReplayGuard(guard))
		res := d.Dispatch(ctx, "doc-1", &notification.NotificationRecord{Title: "Hi"})

		assert.Equal(t, dispatcher.OutcomeInvalid, res.Outcome)
		guard.AssertNotCalled(t, "Claim", mock.Anything, mock.Anything)
	})
	t.Run("Claim is kept once the outcome is written", func(t *testing.T) {
		gw := new(mockGateway)
		store := new(mockStore)
		guard := new(mockGuard)
		guard.On("Claim", ctx, "doc-1").Return(true, nil).Once()
		gw.On("Send", ctx, mock.Anything).Return("", errors.New("Requested entity was not found.")).Once()
		store.On("WriteStatus", ctx, "doc-1", mock.Anything).Return(nil).Once()

		d := dispatcher.New(gw, store, newTestLogger(), dispatcher.WithReplayGuard(guard))
		res := d.Dispatch(ctx, "doc-1", validRecord())

		assert.Equal(t, dispatcher.OutcomeFailed, res.Outcome)
		guard.AssertNotCalled(t, "Release", mock.Anything, mock.Anything)
	})

	t.Run("Claim is released when the write-back fails", func(t *testing.T) {
		gw := new(mockGateway)
		store := new(mockStore)
		guard := new(mockGuard)
		guard.On("Claim", ctx, "doc-1").Return(true, nil).Once()
		guard.On("Release", mock.Anything, "doc-1").Return(nil).Once()
		gw.On("Send", ctx, mock.Anything).Return("projects/x/messages/1", nil).Once()
		store.On("WriteStatus", ctx, "doc-1", mock.Anything).Return(errors.New("unavailable")).Once()

		d := dispatcher.New(gw, store, newTestLogger(), dispatcher.WithReplayGuard(guard))
		res := d.Dispatch(ctx, "doc-1", validRecord())

		require.Error(t, res.WriteErr)
		guard.AssertExpectations(t)
	})

	t.Run("Failed release counts as a guard error", func(t *testing.T) {
		gw := new(mockGateway)
		store := new(mockStore)
		guard := new(mockGuard)
		m := metrics.NewMetrics()
		guard.On("Claim", ctx, "doc-1").Return(true, nil).Once()
		guard.On("Release", mock.Anything, "doc-1").Return(errors.New("redis down")).Once()
		gw.On("Send", ctx, mock.Anything).Return("", errors.New("boom")).Once()
		store.On("WriteStatus", ctx, "doc-1", mock.Anything).Return(errors.New("unavailable")).Once()

		d := dispatcher.New(gw, store, newTestLogger(), dispatcher.WithReplayGuard(guard), dispatcher.WithMetrics(m))
		res := d.Dispatch(ctx, "doc-1", validRecord())

		assert.Equal(t, dispatcher.OutcomeFailed, res.Outcome)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.GuardErrorsTotal))
	})
}

func TestDispatch_RedeliveryAfterLostWriteBack(t *testing.T) {
	guard := cache.NewReplayGuard(&memClaims{}, time.Hour)

	// First invocation times out: neither the send nor the write-back lands.
	expired, cancel := context.WithCancel(context.Background())
	cancel()

	gw := new(mockGateway)
	store := new(mockStore)
	gw.On("Send", expired, mock.Anything).Return("", context.DeadlineExceeded).Once()
	store.On("WriteStatus", expired, "doc-9", mock.Anything).Return(context.DeadlineExceeded).Once()

	d := dispatcher.New(gw, store, newTestLogger(), dispatcher.WithReplayGuard(guard))
	first := d.Dispatch(expired, "doc-9", validRecord())

	assert.Equal(t, dispatcher.OutcomeFailed, first.Outcome)
	require.ErrorIs(t, first.WriteErr, context.DeadlineExceeded)

	// The redelivered trigger must still reach a terminal state.
	ctx := context.Background()
	gw.On("Send", ctx, mock.Anything).Return("projects/x/messages/2", nil).Once()
	store.On("WriteStatus", ctx, "doc-9", dispatch.StatusUpdate{Sent: true, MessageID: "projects/x/messages/2"}).Return(nil).Once()

	second := d.Dispatch(ctx, "doc-9", validRecord())

	assert.Equal(t, dispatcher.OutcomeSent, second.Outcome)
	assert.NoError(t, second.WriteErr)
	gw.AssertNumberOfCalls(t, "Send", 2)
	store.AssertExpectations(t)

	// A third delivery of the same event is now skipped by the claim.
	third := d.Dispatch(ctx, "doc-9", validRecord())
	assert.Equal(t, dispatcher.OutcomeAlreadyProcessed, third.Outcome)
	gw.AssertNumberOfCalls(t, "Send", 2)
}
