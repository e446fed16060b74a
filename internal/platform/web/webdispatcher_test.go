package web

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-gateway/internal/transport"
	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
	"github.com/tinywideclouds/go-push-gateway/pkg/notification"
)

// Subscription keys lifted from a real browser subscription. The pushkey is
// the p256dh public point, so it has to be a valid P-256 point for the
// payload encryption to succeed.
const (
	testPushkey = "BMndGyzAWuhx4qbONDPp_pwtaA95U8c967lkUMx8LUY09WcxRzRB5WuSJox56DYZy7lx4Yt9tfuKcpyoz-KDYTA"
	testAuth    = "tk-uFizVuguwlVdI6lXrKA"
)

const fullNotificationTemplate = `{
  "notification": {
    "id": "$3957tyerfgewrf384",
    "room_id": "!slw48wfj34rtnrf:example.com",
    "event_id": "$qTOWWTEL48yPm3uT-gdNhFcoHxfKbZuqRVnnWWSkGBs",
    "type": "m.room.message",
    "sender": "@exampleuser:matrix.org",
    "sender_display_name": "Major Tom",
    "room_name": "Mission Control",
    "room_alias": "#exampleroom:matrix.org",
    "prio": "high",
    "content": {"msgtype": "m.text", "body": "I'm floating in a most peculiar way."},
    "counts": {"unread": 2, "missed_calls": 1},
    "devices": [%s]
  }
}`

const lowPrioNotificationTemplate = `{
  "notification": {
    "room_id": "!slw48wfj34rtnrf:example.com",
    "event_id": "$qTOWWTEL48yPm3uT-gdNhFcoHxfKbZuqRVnnWWSkGBs",
    "type": "m.room.message",
    "sender": "@exampleuser:matrix.org",
    "prio": "low",
    "content": {"msgtype": "m.text", "body": "quiet"},
    "counts": {"unread": 2},
    "devices": [%s]
  }
}`

const badgeOnlyTemplate = `{
  "notification": {
    "id": "$3957tyerfgewrf384",
    "counts": {"unread": 2},
    "devices": [%s]
  }
}`

const eventIDOnlyTemplate = `{
  "notification": {
    "event_id": "$qTOWWTEL48yPm3uT-gdNhFcoHxfKbZuqRVnnWWSkGBs",
    "room_id": "!slw48wfj34rtnrf:example.com",
    "counts": {"unread": 0},
    "devices": [%s]
  }
}`

const inviteNotificationTemplate = `{
  "notification": {
    "event_id": "$qTOWWTEL48yPm3uT-gdNhFcoHxfKbZuqRVnnWWSkGBs",
    "room_id": "!slw48wfj34rtnrf:example.com",
    "type": "m.room.member",
    "sender": "@exampleuser:matrix.org",
    "membership": "invite",
    "user_is_target": true,
    "devices": [%s]
  }
}`

// webDevice renders the canonical test device. extraData is spliced into the
// data object, e.g. `, "events_only": true`.
func webDevice(endpoint, extraData string) string {
	return fmt.Sprintf(`{
  "app_id": "com.example.webpush",
  "pushkey": "%s",
  "pushkey_ts": 42,
  "data": {"endpoint": "%s", "auth": "%s"%s}
}`, testPushkey, endpoint, testAuth, extraData)
}

func parseNotification(t *testing.T, template string, devices ...string) *notification.Notification {
	t.Helper()
	body := fmt.Sprintf(template, strings.Join(devices, ","))
	n, err := notification.ParseRequest([]byte(body))
	require.NoError(t, err)
	return n
}

type stubResponse struct {
	status int
	ttl    string
}

type recordedRequest struct {
	header http.Header
	body   []byte
}

// pushServer is a scripted stand-in for a Web Push gateway. Responses are
// served in order; the last one repeats once the script runs out.
type pushServer struct {
	mu        sync.Mutex
	requests  []recordedRequest
	responses []stubResponse
	srv       *httptest.Server
}

func newPushServer(t *testing.T, responses ...stubResponse) *pushServer {
	t.Helper()
	require.NotEmpty(t, responses)
	p := &pushServer{responses: responses}
	p.srv = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *pushServer) handle(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	body, _ := io.ReadAll(r.Body)
	p.requests = append(p.requests, recordedRequest{header: r.Header.Clone(), body: body})

	idx := len(p.requests) - 1
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	resp := p.responses[idx]
	if resp.ttl != "" {
		w.Header().Set("TTL", resp.ttl)
	}
	w.WriteHeader(resp.status)
}

// endpoint returns a subscription endpoint routed at the stub gateway.
func (p *pushServer) endpoint() string {
	return p.srv.URL + "/wpush/v2/gAAAAABgVKjX"
}

type sleepSpy struct {
	delays []time.Duration
}

func (s *sleepSpy) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func newTestVapidKey(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "vapid_key.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	require.NoError(t, os.WriteFile(path, pemBytes, 0o600))
	return path
}

func newWebDispatcher(t *testing.T, cfg Config, responses ...stubResponse) (*Dispatcher, *pushServer, *sleepSpy) {
	t.Helper()
	p := newPushServer(t, responses...)
	if cfg.Name == "" {
		cfg.Name = "com.example.webpush"
	}
	if cfg.VapidPrivateKey == "" {
		cfg.VapidPrivateKey = newTestVapidKey(t)
	}
	if cfg.VapidContactEmail == "" {
		cfg.VapidContactEmail = "alice@server.tld"
	}
	dialer, err := transport.NewDialer("")
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d, err := NewDispatcher(cfg, dialer, logger)
	require.NoError(t, err)
	spy := &sleepSpy{}
	d.retrier.Sleep = spy.sleep
	return d, p, spy
}

// newP256dh mints a distinct but valid subscription public key.
func newP256dh(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pub, err := key.PublicKey.ECDH()
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(pub.Bytes())
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("DeliversNotification", func(t *testing.T) {
		// Arrange
		d, p, spy := newWebDispatcher(t, Config{}, stubResponse{status: 201, ttl: "12"})
		n := parseNotification(t, fullNotificationTemplate,
			webDevice(p.endpoint(), `, "default_payload": {"session_id": "7192604822299679"}`))

		// Act
		rejected, err := d.Dispatch(ctx, n, n.Devices...)

		// Assert
		require.NoError(t, err)
		assert.Empty(t, rejected)
		assert.Empty(t, spy.delays)
		require.Len(t, p.requests, 1)
		req := p.requests[0]
		assert.Equal(t, "sygnal", req.header.Get("User-Agent"))
		assert.Equal(t, "aes128gcm", req.header.Get("Content-Encoding"))
		assert.Equal(t, "application/octet-stream", req.header.Get("Content-Type"))
		assert.Equal(t, "900", req.header.Get("TTL"))
		assert.Equal(t, "normal", req.header.Get("Urgency"))
		assert.Empty(t, req.header.Get("Topic"))
		assert.Regexp(t, `^vapid t=.+, k=.+$`, req.header.Get("Authorization"))
		// The body is the encrypted payload, not the JSON document.
		assert.NotEmpty(t, req.body)
		assert.NotContains(t, string(req.body), "Major Tom")
	})

	t.Run("SetsLowUrgencyForLowPriority", func(t *testing.T) {
		// Arrange
		d, p, _ := newWebDispatcher(t, Config{}, stubResponse{status: 201})
		n := parseNotification(t, lowPrioNotificationTemplate, webDevice(p.endpoint(), ""))

		// Act
		_, err := d.Dispatch(ctx, n, n.Devices...)

		// Assert
		require.NoError(t, err)
		require.Len(t, p.requests, 1)
		assert.Equal(t, "low", p.requests[0].header.Get("Urgency"))
	})

	t.Run("CollapsesByRoomTopic", func(t *testing.T) {
		// Arrange
		d, p, _ := newWebDispatcher(t, Config{}, stubResponse{status: 201})
		n := parseNotification(t, fullNotificationTemplate,
			webDevice(p.endpoint(), `, "only_last_per_room": true`))

		// Act
		_, err := d.Dispatch(ctx, n, n.Devices...)

		// Assert
		require.NoError(t, err)
		require.Len(t, p.requests, 1)
		topic := p.requests[0].header.Get("Topic")
		assert.Equal(t, roomTopic(n.RoomID), topic)
		assert.Len(t, topic, 32)
		assert.Regexp(t, `^[A-Za-z0-9_=-]+$`, topic)
	})

	t.Run("EventsOnlySkipsBadgeUpdates", func(t *testing.T) {
		// Arrange
		d, p, _ := newWebDispatcher(t, Config{}, stubResponse{status: 201})
		device := webDevice(p.endpoint(), `, "events_only": true`)

		// Act
		badgeOnly := parseNotification(t, badgeOnlyTemplate, device)
		rejected, err := d.Dispatch(ctx, badgeOnly, badgeOnly.Devices...)

		// Assert
		require.NoError(t, err)
		assert.Empty(t, rejected)
		assert.Empty(t, p.requests)

		// A notification that does carry an event still goes out.
		full := parseNotification(t, fullNotificationTemplate, device)
		_, err = d.Dispatch(ctx, full, full.Devices...)
		require.NoError(t, err)
		assert.Len(t, p.requests, 1)
	})

	t.Run("RejectsDeviceWithoutData", func(t *testing.T) {
		// Arrange
		d, p, _ := newWebDispatcher(t, Config{}, stubResponse{status: 201})
		device := fmt.Sprintf(`{"app_id": "com.example.webpush", "pushkey": "%s"}`, testPushkey)
		n := parseNotification(t, fullNotificationTemplate, device)

		// Act
		rejected, err := d.Dispatch(ctx, n, n.Devices...)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, []string{testPushkey}, rejected)
		assert.Empty(t, p.requests)
	})

	t.Run("RejectsIncompleteSubscription", func(t *testing.T) {
		// Arrange
		d, p, _ := newWebDispatcher(t, Config{}, stubResponse{status: 201})
		device := fmt.Sprintf(`{
  "app_id": "com.example.webpush",
  "pushkey": "%s",
  "data": {"endpoint": "%s"}
}`, testPushkey, p.endpoint())
		n := parseNotification(t, fullNotificationTemplate, device)

		// Act
		rejected, err := d.Dispatch(ctx, n, n.Devices...)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, []string{testPushkey}, rejected)
		assert.Empty(t, p.requests)
	})

	t.Run("RejectsMisconfiguredDefaultPayload", func(t *testing.T) {
		// Arrange
		d, p, _ := newWebDispatcher(t, Config{}, stubResponse{status: 201})
		n := parseNotification(t, fullNotificationTemplate,
			webDevice(p.endpoint(), `, "default_payload": null`))

		// Act
		rejected, err := d.Dispatch(ctx, n, n.Devices...)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, []string{testPushkey}, rejected)
		assert.Empty(t, p.requests)
	})

	t.Run("AllowedEndpointsBlocksForeignHosts", func(t *testing.T) {
		// Arrange
		cfg := Config{AllowedEndpoints: []string{"updates.push.services.mozilla.com"}}
		d, p, _ := newWebDispatcher(t, cfg, stubResponse{status: 201})
		n := parseNotification(t, fullNotificationTemplate, webDevice(p.endpoint(), ""))

		// Act
		rejected, err := d.Dispatch(ctx, n, n.Devices...)

		// Assert: blocked, but the pushkey is kept.
		require.NoError(t, err)
		assert.Empty(t, rejected)
		assert.Empty(t, p.requests)
	})

	t.Run("AllowedEndpointsAdmitsGlobMatch", func(t *testing.T) {
		// Arrange
		cfg := Config{AllowedEndpoints: []string{"updates.push.services.mozilla.com", "127.0.0.1:*"}}
		d, p, _ := newWebDispatcher(t, cfg, stubResponse{status: 201})
		n := parseNotification(t, fullNotificationTemplate, webDevice(p.endpoint(), ""))

		// Act
		rejected, err := d.Dispatch(ctx, n, n.Devices...)

		// Assert
		require.NoError(t, err)
		assert.Empty(t, rejected)
		assert.Len(t, p.requests, 1)
	})

	t.Run("RejectsSubscriptionsGoneFromTheGateway", func(t *testing.T) {
		for _, status := range []int{404, 410} {
			t.Run(fmt.Sprintf("Status%d", status), func(t *testing.T) {
				// Arrange
				d, p, spy := newWebDispatcher(t, Config{}, stubResponse{status: status})
				n := parseNotification(t, fullNotificationTemplate, webDevice(p.endpoint(), ""))

				// Act
				rejected, err := d.Dispatch(ctx, n, n.Devices...)

				// Assert
				require.NoError(t, err)
				assert.Equal(t, []string{testPushkey}, rejected)
				assert.Len(t, p.requests, 1)
				assert.Empty(t, spy.delays)
			})
		}
	})

	t.Run("RejectsPushkeyOnClientError", func(t *testing.T) {
		// Arrange
		d, p, spy := newWebDispatcher(t, Config{}, stubResponse{status: 400})
		n := parseNotification(t, fullNotificationTemplate, webDevice(p.endpoint(), ""))

		// Act
		rejected, err := d.Dispatch(ctx, n, n.Devices...)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, []string{testPushkey}, rejected)
		assert.Len(t, p.requests, 1)
		assert.Empty(t, spy.delays)
	})

	t.Run("RetriesServerErrorsThenGivesUp", func(t *testing.T) {
		// Arrange
		d, p, spy := newWebDispatcher(t, Config{}, stubResponse{status: 502})
		n := parseNotification(t, fullNotificationTemplate, webDevice(p.endpoint(), ""))

		// Act
		rejected, err := d.Dispatch(ctx, n, n.Devices...)

		// Assert
		require.Error(t, err)
		var perm *dispatch.PermanentError
		assert.ErrorAs(t, err, &perm)
		assert.ErrorContains(t, err, "retried too many times")
		assert.Nil(t, rejected)
		assert.Len(t, p.requests, 3)
		assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second}, spy.delays)
	})

	t.Run("RecoversAfterServerError", func(t *testing.T) {
		// Arrange
		d, p, spy := newWebDispatcher(t, Config{},
			stubResponse{status: 503}, stubResponse{status: 201})
		n := parseNotification(t, fullNotificationTemplate, webDevice(p.endpoint(), ""))

		// Act
		rejected, err := d.Dispatch(ctx, n, n.Devices...)

		// Assert
		require.NoError(t, err)
		assert.Empty(t, rejected)
		assert.Len(t, p.requests, 2)
		assert.Equal(t, []time.Duration{10 * time.Second}, spy.delays)
	})

	t.Run("AcceptsOther2xxResponses", func(t *testing.T) {
		// Arrange
		d, p, _ := newWebDispatcher(t, Config{}, stubResponse{status: 200})
		n := parseNotification(t, fullNotificationTemplate, webDevice(p.endpoint(), ""))

		// Act
		rejected, err := d.Dispatch(ctx, n, n.Devices...)

		// Assert
		require.NoError(t, err)
		assert.Empty(t, rejected)
		assert.Len(t, p.requests, 1)
	})

	t.Run("ReportsOnlyTheRejectedDevice", func(t *testing.T) {
		// Arrange
		d, p, _ := newWebDispatcher(t, Config{},
			stubResponse{status: 410}, stubResponse{status: 201})
		otherKey := newP256dh(t)
		otherDevice := fmt.Sprintf(`{
  "app_id": "com.example.webpush",
  "pushkey": "%s",
  "data": {"endpoint": "%s", "auth": "%s"}
}`, otherKey, p.endpoint(), testAuth)
		n := parseNotification(t, fullNotificationTemplate,
			webDevice(p.endpoint(), ""), otherDevice)

		// Act
		rejected, err := d.Dispatch(ctx, n, n.Devices...)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, []string{testPushkey}, rejected)
		assert.Len(t, p.requests, 2)
	})
}

func TestNewDispatcherValidation(t *testing.T) {
	dialer, err := transport.NewDialer("")
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("RequiresVapidPrivateKey", func(t *testing.T) {
		_, err := NewDispatcher(Config{
			Name:              "com.example.webpush",
			VapidContactEmail: "alice@server.tld",
		}, dialer, logger)
		assert.ErrorContains(t, err, "vapid_private_key")
	})

	t.Run("RequiresVapidContactEmail", func(t *testing.T) {
		_, err := NewDispatcher(Config{
			Name:            "com.example.webpush",
			VapidPrivateKey: newTestVapidKey(t),
		}, dialer, logger)
		assert.ErrorContains(t, err, "vapid_contact_email")
	})

	t.Run("RejectsMissingKeyFile", func(t *testing.T) {
		_, err := NewDispatcher(Config{
			Name:              "com.example.webpush",
			VapidPrivateKey:   filepath.Join(t.TempDir(), "absent.pem"),
			VapidContactEmail: "alice@server.tld",
		}, dialer, logger)
		assert.ErrorContains(t, err, "vapid_private_key must be valid")
	})

	t.Run("RejectsMalformedKeyFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "vapid_key.pem")
		require.NoError(t, os.WriteFile(path, []byte("not a pem"), 0o600))

		_, err := NewDispatcher(Config{
			Name:              "com.example.webpush",
			VapidPrivateKey:   path,
			VapidContactEmail: "alice@server.tld",
		}, dialer, logger)
		assert.ErrorContains(t, err, "vapid_private_key must be valid")
	})

	t.Run("RejectsNonECKey", func(t *testing.T) {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		der, err := x509.MarshalPKCS8PrivateKey(key)
		require.NoError(t, err)
		path := filepath.Join(t.TempDir(), "vapid_key.pem")
		pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
		require.NoError(t, os.WriteFile(path, pemBytes, 0o600))

		_, err = NewDispatcher(Config{
			Name:              "com.example.webpush",
			VapidPrivateKey:   path,
			VapidContactEmail: "alice@server.tld",
		}, dialer, logger)
		assert.ErrorContains(t, err, "expected an EC private key")
	})

	t.Run("RejectsNonP256Key", func(t *testing.T) {
		key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
		require.NoError(t, err)
		der, err := x509.MarshalECPrivateKey(key)
		require.NoError(t, err)
		path := filepath.Join(t.TempDir(), "vapid_key.pem")
		pemBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
		require.NoError(t, os.WriteFile(path, pemBytes, 0o600))

		_, err = NewDispatcher(Config{
			Name:              "com.example.webpush",
			VapidPrivateKey:   path,
			VapidContactEmail: "alice@server.tld",
		}, dialer, logger)
		assert.ErrorContains(t, err, "P-256")
	})

	t.Run("DefaultsTTL", func(t *testing.T) {
		d, err := NewDispatcher(Config{
			Name:              "com.example.webpush",
			VapidPrivateKey:   newTestVapidKey(t),
			VapidContactEmail: "alice@server.tld",
		}, dialer, logger)
		require.NoError(t, err)
		assert.Equal(t, DefaultTTL, d.ttl)
	})

	t.Run("HonoursConfiguredTTL", func(t *testing.T) {
		d, err := NewDispatcher(Config{
			Name:              "com.example.webpush",
			VapidPrivateKey:   newTestVapidKey(t),
			VapidContactEmail: "alice@server.tld",
			TTL:               42,
		}, dialer, logger)
		require.NoError(t, err)
		assert.Equal(t, 42, d.ttl)
	})
}

func TestBuildPayload(t *testing.T) {
	plainDevice := fmt.Sprintf(
		`{"app_id": "com.example.webpush", "pushkey": "%s", "data": {}}`, testPushkey)

	t.Run("CopiesWhitelistedAttributes", func(t *testing.T) {
		n := parseNotification(t, fullNotificationTemplate, plainDevice)

		payload, ok := buildPayload(n, &n.Devices[0])

		require.True(t, ok)
		assert.Equal(t, map[string]any{
			"room_id":             "!slw48wfj34rtnrf:example.com",
			"room_name":           "Mission Control",
			"room_alias":          "#exampleroom:matrix.org",
			"event_id":            "$qTOWWTEL48yPm3uT-gdNhFcoHxfKbZuqRVnnWWSkGBs",
			"sender":              "@exampleuser:matrix.org",
			"sender_display_name": "Major Tom",
			"type":                "m.room.message",
			"unread":              2,
			"missed_calls":        1,
			"content": map[string]any{
				"msgtype": "m.text",
				"body":    "I'm floating in a most peculiar way.",
			},
		}, payload)
	})

	t.Run("SkipsEmptyAttributes", func(t *testing.T) {
		n := parseNotification(t, eventIDOnlyTemplate, plainDevice)

		payload, ok := buildPayload(n, &n.Devices[0])

		require.True(t, ok)
		// An explicit zero badge still crosses over.
		assert.Equal(t, map[string]any{
			"event_id": "$qTOWWTEL48yPm3uT-gdNhFcoHxfKbZuqRVnnWWSkGBs",
			"room_id":  "!slw48wfj34rtnrf:example.com",
			"unread":   0,
		}, payload)
	})

	t.Run("MarksTargetedUser", func(t *testing.T) {
		n := parseNotification(t, inviteNotificationTemplate, plainDevice)

		payload, ok := buildPayload(n, &n.Devices[0])

		require.True(t, ok)
		assert.Equal(t, true, payload["user_is_target"])
		assert.Equal(t, "invite", payload["membership"])
	})

	t.Run("MergesDefaultPayload", func(t *testing.T) {
		device := fmt.Sprintf(`{
  "app_id": "com.example.webpush",
  "pushkey": "%s",
  "data": {"default_payload": {"session_id": "7192604822299679"}}
}`, testPushkey)
		n := parseNotification(t, fullNotificationTemplate, device)

		payload, ok := buildPayload(n, &n.Devices[0])

		require.True(t, ok)
		assert.Equal(t, "7192604822299679", payload["session_id"])
		assert.Equal(t, "$qTOWWTEL48yPm3uT-gdNhFcoHxfKbZuqRVnnWWSkGBs", payload["event_id"])
	})

	t.Run("WhitelistOverridesDefaultPayload", func(t *testing.T) {
		device := fmt.Sprintf(`{
  "app_id": "com.example.webpush",
  "pushkey": "%s",
  "data": {"default_payload": {"sender": "@spoof:evil.example"}}
}`, testPushkey)
		n := parseNotification(t, fullNotificationTemplate, device)

		payload, ok := buildPayload(n, &n.Devices[0])

		require.True(t, ok)
		assert.Equal(t, "@exampleuser:matrix.org", payload["sender"])
	})

	t.Run("DropsFormattedBody", func(t *testing.T) {
		n := parseNotification(t, fullNotificationTemplate, plainDevice)
		n.Content["formatted_body"] = "<b>I'm floating</b>"

		payload, ok := buildPayload(n, &n.Devices[0])

		require.True(t, ok)
		content := payload["content"].(map[string]any)
		assert.NotContains(t, content, "formatted_body")
		assert.Equal(t, "I'm floating in a most peculiar way.", content["body"])
		// The source notification keeps its copy.
		assert.Contains(t, n.Content, "formatted_body")
	})

	t.Run("TruncatesLongBody", func(t *testing.T) {
		n := parseNotification(t, fullNotificationTemplate, plainDevice)
		n.Content["body"] = strings.Repeat("ü", 1200)

		payload, ok := buildPayload(n, &n.Devices[0])

		require.True(t, ok)
		body := payload["content"].(map[string]any)["body"].(string)
		runes := []rune(body)
		assert.Len(t, runes, maxBodyLength)
		assert.Equal(t, "…", string(runes[len(runes)-1]))
		assert.Equal(t, strings.Repeat("ü", 999), string(runes[:999]))
	})

	t.Run("KeepsBodyAtTheLimit", func(t *testing.T) {
		n := parseNotification(t, fullNotificationTemplate, plainDevice)
		n.Content["body"] = strings.Repeat("a", maxBodyLength)

		payload, ok := buildPayload(n, &n.Devices[0])

		require.True(t, ok)
		assert.Equal(t, strings.Repeat("a", maxBodyLength),
			payload["content"].(map[string]any)["body"])
	})

	t.Run("DropsOversizedCiphertext", func(t *testing.T) {
		n := parseNotification(t, fullNotificationTemplate, plainDevice)
		n.Content = map[string]any{
			"ciphertext": strings.Repeat("a", maxCiphertextLength+1),
			"session_id": "AAAA",
		}

		payload, ok := buildPayload(n, &n.Devices[0])

		require.True(t, ok)
		content := payload["content"].(map[string]any)
		assert.NotContains(t, content, "ciphertext")
		assert.Equal(t, "AAAA", content["session_id"])
	})

	t.Run("KeepsCiphertextAtTheLimit", func(t *testing.T) {
		n := parseNotification(t, fullNotificationTemplate, plainDevice)
		n.Content = map[string]any{"ciphertext": strings.Repeat("a", maxCiphertextLength)}

		payload, ok := buildPayload(n, &n.Devices[0])

		require.True(t, ok)
		assert.Contains(t, payload["content"].(map[string]any), "ciphertext")
	})
}

func TestRoomTopic(t *testing.T) {
	a := roomTopic("!room_a:example.com")
	b := roomTopic("!room_b:example.com")

	assert.Equal(t, a, roomTopic("!room_a:example.com"))
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 32)
	assert.Regexp(t, `^[A-Za-z0-9_=-]+$`, a)
}

func TestVapidKeysFromFile(t *testing.T) {
	t.Run("DerivesWebPushKeyPair", func(t *testing.T) {
		path := newTestVapidKey(t)

		privateKey, publicKey, err := vapidKeysFromFile(path)

		require.NoError(t, err)
		priv, err := base64.RawURLEncoding.DecodeString(privateKey)
		require.NoError(t, err)
		assert.Len(t, priv, 32)
		pub, err := base64.RawURLEncoding.DecodeString(publicKey)
		require.NoError(t, err)
		require.Len(t, pub, 65)
		assert.EqualValues(t, 4, pub[0])
	})

	t.Run("AcceptsPKCS8", func(t *testing.T) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		der, err := x509.MarshalPKCS8PrivateKey(key)
		require.NoError(t, err)
		path := filepath.Join(t.TempDir(), "vapid_key.pem")
		pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
		require.NoError(t, os.WriteFile(path, pemBytes, 0o600))

		privateKey, _, err := vapidKeysFromFile(path)

		require.NoError(t, err)
		assert.NotEmpty(t, privateKey)
	})
}
