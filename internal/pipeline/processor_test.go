package pipeline_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-gateway/internal/pipeline"
	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
	"github.com/tinywideclouds/go-push-gateway/pkg/notification"
)

const notificationTemplate = `{
  "notification": {
    "event_id": "$qTOWWTEL48yPm3uT-gdNhFcoHxfKbZuqRVnnWWSkGBs",
    "room_id": "!slw48wfj34rtnrf:example.com",
    "counts": {"unread": 2},
    "devices": [%s]
  }
}`

func device(appID, pushkey string) string {
	return fmt.Sprintf(`{"app_id": "%s", "pushkey": "%s"}`, appID, pushkey)
}

func parseNotification(t *testing.T, devices ...string) *notification.Notification {
	t.Helper()
	body := fmt.Sprintf(notificationTemplate, strings.Join(devices, ","))
	n, err := notification.ParseRequest([]byte(body))
	require.NoError(t, err)
	return n
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBackend struct {
	mock.Mock
	name string
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Dispatch(ctx context.Context, n *notification.Notification, devices ...notification.Device) ([]string, error) {
	args := f.Called(ctx, n, devices)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func pushkeys(devices []notification.Device) []string {
	keys := make([]string, 0, len(devices))
	for _, d := range devices {
		keys = append(keys, d.Pushkey)
	}
	return keys
}

func TestProcessorDispatch(t *testing.T) {
	ctx := context.Background()
	reqCtx := &notification.Context{RequestID: "req-test"}

	t.Run("GroupsDevicesByBackend", func(t *testing.T) {
		// Arrange
		apns := &fakeBackend{name: "com.example.apns"}
		gcm := &fakeBackend{name: "com.example.gcm"}
		var callOrder []string
		var apnsDevices, gcmDevices []notification.Device
		apns.On("Dispatch", mock.Anything, mock.Anything, mock.Anything).
			Return([]string{}, nil).
			Run(func(args mock.Arguments) {
				callOrder = append(callOrder, "apns")
				apnsDevices = args.Get(2).([]notification.Device)
			})
		gcm.On("Dispatch", mock.Anything, mock.Anything, mock.Anything).
			Return([]string{}, nil).
			Run(func(args mock.Arguments) {
				callOrder = append(callOrder, "gcm")
				gcmDevices = args.Get(2).([]notification.Device)
			})
		p := pipeline.NewProcessor(pipeline.NewRouter(apns, gcm), newTestLogger())
		n := parseNotification(t,
			device("com.example.apns", "apns-1"),
			device("com.example.gcm", "gcm-1"),
			device("com.example.apns", "apns-2"))

		// Act
		rejected, err := p.Dispatch(ctx, n, reqCtx)

		// Assert: one call per backend, in first-occurrence order, with
		// the devices of that backend in input order.
		require.NoError(t, err)
		assert.Empty(t, rejected)
		apns.AssertNumberOfCalls(t, "Dispatch", 1)
		gcm.AssertNumberOfCalls(t, "Dispatch", 1)
		assert.Equal(t, []string{"apns", "gcm"}, callOrder)
		assert.Equal(t, []string{"apns-1", "apns-2"}, pushkeys(apnsDevices))
		assert.Equal(t, []string{"gcm-1"}, pushkeys(gcmDevices))
	})

	t.Run("EmitsRejectionsInDeviceOrder", func(t *testing.T) {
		// Arrange: the apns group dispatches first but its rejection
		// concerns the third device of the request.
		apns := &fakeBackend{name: "com.example.apns"}
		gcm := &fakeBackend{name: "com.example.gcm"}
		apns.On("Dispatch", mock.Anything, mock.Anything, mock.Anything).
			Return([]string{"apns-2"}, nil)
		gcm.On("Dispatch", mock.Anything, mock.Anything, mock.Anything).
			Return([]string{"gcm-1"}, nil)
		p := pipeline.NewProcessor(pipeline.NewRouter(apns, gcm), newTestLogger())
		n := parseNotification(t,
			device("com.example.apns", "apns-1"),
			device("com.example.gcm", "gcm-1"),
			device("com.example.apns", "apns-2"))

		// Act
		rejected, err := p.Dispatch(ctx, n, reqCtx)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, []string{"gcm-1", "apns-2"}, rejected)
	})

	t.Run("RejectsUnknownAppID", func(t *testing.T) {
		// Arrange
		apns := &fakeBackend{name: "com.example.apns"}
		apns.On("Dispatch", mock.Anything, mock.Anything, mock.Anything).
			Return([]string{}, nil)
		p := pipeline.NewProcessor(pipeline.NewRouter(apns), newTestLogger())
		n := parseNotification(t,
			device("com.example.apns", "known-1"),
			device("com.example.unknown", "stranger"),
			device("com.example.apns", "known-2"))

		// Act
		rejected, err := p.Dispatch(ctx, n, reqCtx)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, []string{"stranger"}, rejected)
		apns.AssertNumberOfCalls(t, "Dispatch", 1)
	})

	t.Run("RejectsAmbiguousAppID", func(t *testing.T) {
		// Arrange: both patterns cover the app id, so neither may win.
		wide := &fakeBackend{name: "*.example.*"}
		narrow := &fakeBackend{name: "com.example.a*"}
		p := pipeline.NewProcessor(pipeline.NewRouter(wide, narrow), newTestLogger())
		n := parseNotification(t, device("com.example.ap", "torn"))

		// Act
		rejected, err := p.Dispatch(ctx, n, reqCtx)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, []string{"torn"}, rejected)
		wide.AssertNumberOfCalls(t, "Dispatch", 0)
		narrow.AssertNumberOfCalls(t, "Dispatch", 0)
	})

	t.Run("AbortsOnBackendError", func(t *testing.T) {
		// Arrange
		apns := &fakeBackend{name: "com.example.apns"}
		gcm := &fakeBackend{name: "com.example.gcm"}
		apns.On("Dispatch", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, dispatch.Temporaryf("apns is down"))
		p := pipeline.NewProcessor(pipeline.NewRouter(apns, gcm), newTestLogger())
		n := parseNotification(t,
			device("com.example.apns", "apns-1"),
			device("com.example.gcm", "gcm-1"))

		// Act
		rejected, err := p.Dispatch(ctx, n, reqCtx)

		// Assert: the gcm group is never reached.
		require.Error(t, err)
		var temp *dispatch.TemporaryError
		assert.ErrorAs(t, err, &temp)
		assert.Nil(t, rejected)
		gcm.AssertNumberOfCalls(t, "Dispatch", 0)
	})

	t.Run("ReturnsEmptyListNotNil", func(t *testing.T) {
		// The response body must carry "rejected": [], not null.
		p := pipeline.NewProcessor(pipeline.NewRouter(), newTestLogger())
		n := parseNotification(t)
		n.Devices = nil

		rejected, err := p.Dispatch(ctx, n, reqCtx)

		require.NoError(t, err)
		require.NotNil(t, rejected)
		assert.Empty(t, rejected)
	})

	t.Run("KeepsDuplicatePushkeys", func(t *testing.T) {
		// Arrange: the same device listed twice, both rejected.
		gcm := &fakeBackend{name: "com.example.gcm"}
		gcm.On("Dispatch", mock.Anything, mock.Anything, mock.Anything).
			Return([]string{"twin", "twin"}, nil)
		p := pipeline.NewProcessor(pipeline.NewRouter(gcm), newTestLogger())
		n := parseNotification(t,
			device("com.example.gcm", "twin"),
			device("com.example.gcm", "twin"))

		// Act
		rejected, err := p.Dispatch(ctx, n, reqCtx)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, []string{"twin", "twin"}, rejected)
	})
}
