// Package web relays notifications to Web Push gateways (RFC 8030), with
// VAPID authorization and aes128gcm payload encryption.
package web

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/crypto/blake2s"

	"github.com/tinywideclouds/go-push-gateway/internal/transport"
	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
	"github.com/tinywideclouds/go-push-gateway/pkg/notification"
)

var (
	sendTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "sygnal_webpush_request_time",
		Help: "Time taken to send HTTP request to WebPush endpoint",
	})
	statusCodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sygnal_webpush_status_codes",
		Help: "Number of HTTP response status codes received from WebPush endpoints",
	}, []string{"pushkin", "code"})
)

const (
	// DefaultTTL is how long, in seconds, the push gateway is asked to
	// retain an undelivered notification.
	DefaultTTL = 900
	// DefaultMaxConnections caps concurrent connections per push gateway
	// host.
	DefaultMaxConnections = 20

	// Payload caps. Everything together has to fit the 4 KiB Web Push
	// message limit once encrypted.
	maxBodyLength       = 1000
	maxCiphertextLength = 2000

	maxResponseText = 512
)

// Config carries the app-level settings for one Web Push backend.
type Config struct {
	Name string
	// VapidPrivateKey is the path to a PEM-encoded P-256 private key used
	// to sign the VAPID authorization header.
	VapidPrivateKey   string
	VapidContactEmail string
	// AllowedEndpoints restricts which push gateway hosts may be
	// contacted, as glob patterns over the endpoint host. Empty means any.
	AllowedEndpoints []string
	// TTL overrides DefaultTTL, in seconds.
	TTL            int
	MaxConnections int
	InflightLimit  int
	RequestTimeout time.Duration
}

// Dispatcher relays notifications for one configured app to the Web Push
// gateway named in each device's subscription.
type Dispatcher struct {
	name       string
	subscriber string
	privateKey string
	publicKey  string
	ttl        int
	allowed    []*regexp.Regexp
	client     uaClient
	limiter    *dispatch.Limiter
	retrier    dispatch.Retrier
	logger     *slog.Logger
}

// NewDispatcher validates the config, loads the VAPID key pair and builds
// the dispatcher. Outbound connections go through the given dialer so
// proxied deployments work.
func NewDispatcher(cfg Config, dialer transport.Dialer, logger *slog.Logger) (*Dispatcher, error) {
	if cfg.VapidPrivateKey == "" {
		return nil, errors.New("no vapid_private_key set in config")
	}
	if cfg.VapidContactEmail == "" {
		return nil, errors.New("no vapid_contact_email set in config")
	}
	privateKey, publicKey, err := vapidKeysFromFile(cfg.VapidPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("vapid_private_key must be valid: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = DefaultMaxConnections
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = transport.DefaultRequestTimeout
	}

	allowed := make([]*regexp.Regexp, 0, len(cfg.AllowedEndpoints))
	for _, pattern := range cfg.AllowedEndpoints {
		allowed = append(allowed, compileGlob(pattern))
	}

	return &Dispatcher{
		name:       cfg.Name,
		subscriber: cfg.VapidContactEmail,
		privateKey: privateKey,
		publicKey:  publicKey,
		ttl:        ttl,
		allowed:    allowed,
		client:     uaClient{inner: transport.NewHTTPClient(dialer, timeout, maxConns)},
		limiter:    dispatch.NewLimiter(cfg.Name, cfg.InflightLimit),
		logger:     logger.With("component", "webpush_dispatcher", "pushkin", cfg.Name),
	}, nil
}

// Name implements dispatch.Backend.
func (d *Dispatcher) Name() string { return d.name }

// Dispatch sends the notification to each device's push gateway in turn.
// The first dispatch error aborts the remainder of the group.
func (d *Dispatcher) Dispatch(ctx context.Context, n *notification.Notification, devices ...notification.Device) ([]string, error) {
	var rejected []string
	for i := range devices {
		r, err := d.dispatchDevice(ctx, n, &devices[i])
		if err != nil {
			return nil, err
		}
		rejected = append(rejected, r...)
	}
	return rejected, nil
}

func (d *Dispatcher) dispatchDevice(ctx context.Context, n *notification.Notification, device *notification.Device) ([]string, error) {
	if device.Data == nil {
		d.logger.Warn("rejecting pushkey; device.data is missing")
		return []string{device.Pushkey}, nil
	}

	// Some clients ask us to drop pure badge updates, see
	// https://github.com/matrix-org/sygnal/issues/186
	if eventsOnly, _ := device.Data["events_only"].(bool); eventsOnly && n.EventID == "" {
		return nil, nil
	}

	endpoint, _ := device.Data["endpoint"].(string)
	auth, _ := device.Data["auth"].(string)
	host := endpointHost(endpoint)

	if len(d.allowed) > 0 && !d.hostAllowed(host) {
		// Abort, but keep the pushkey.
		d.logger.Error("push gateway is not in allowed_endpoints, blocking request",
			"endpoint", host)
		return nil, nil
	}

	if device.Pushkey == "" || endpoint == "" || auth == "" {
		d.logger.Warn("rejecting pushkey; subscription info incomplete", "endpoint", host)
		return []string{device.Pushkey}, nil
	}

	payload, ok := buildPayload(n, device)
	if !ok {
		d.logger.Warn("rejecting pushkey due to misconfigured default_payload, " +
			"please ensure that default_payload is a map")
		return []string{device.Pushkey}, nil
	}
	message, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding webpush payload: %w", err)
	}

	subscription := &webpush.Subscription{
		Endpoint: endpoint,
		Keys: webpush.Keys{
			Auth:   auth,
			P256dh: device.Pushkey,
		},
	}
	options := &webpush.Options{
		HTTPClient:      d.client,
		Subscriber:      d.subscriber,
		TTL:             d.ttl,
		Urgency:         webpush.UrgencyNormal,
		VAPIDPublicKey:  d.publicKey,
		VAPIDPrivateKey: d.privateKey,
	}
	if n.Prio == notification.PrioLow {
		options.Urgency = webpush.UrgencyLow
	}
	// The topic makes the gateway collapse queued pushes for one room
	// down to the latest.
	if onlyLast, _ := device.Data["only_last_per_room"].(bool); onlyLast && n.RoomID != "" {
		options.Topic = roomTopic(n.RoomID)
	}

	release, err := d.limiter.Acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	return d.retrier.Do(ctx, func(ctx context.Context) ([]string, error) {
		return d.send(ctx, message, subscription, options, device.Pushkey, host)
	})
}

// send performs one attempt against the push gateway and classifies the
// response.
func (d *Dispatcher) send(ctx context.Context, message []byte, subscription *webpush.Subscription, options *webpush.Options, pushkey, host string) ([]string, error) {
	start := time.Now()
	resp, err := webpush.SendNotificationWithContext(ctx, message, subscription, options)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return nil, dispatch.Temporaryf("sending to %s: %w", host, err)
		}
		// Anything failing before the request leaves is a broken
		// subscription key or VAPID setup; a retry cannot fix it.
		return nil, dispatch.Permanentf("building webpush request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseText))
	sendTime.Observe(time.Since(start).Seconds())
	statusCodes.WithLabelValues(d.name, strconv.Itoa(resp.StatusCode)).Inc()
	return d.handleResponse(resp, body, pushkey, host)
}

func (d *Dispatcher) handleResponse(resp *http.Response, body []byte, pushkey, host string) ([]string, error) {
	if ttlHeader := resp.Header.Get("TTL"); ttlHeader != "" {
		if ttlGiven, err := strconv.Atoi(ttlHeader); err == nil && ttlGiven != d.ttl {
			d.logger.Info("push gateway served a different ttl",
				"requested", d.ttl, "ttl", ttlGiven, "endpoint", host)
		}
	}

	code := resp.StatusCode
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		d.logger.Warn("rejecting pushkey; subscription is invalid",
			"endpoint", host, "code", code, "response", string(body))
		return []string{pushkey}, nil
	case code >= 500:
		return nil, dispatch.Temporaryf("%s responded with %d: %s", host, code, body)
	case code >= 400:
		d.logger.Warn("rejecting pushkey; the push gateway refused the notification",
			"endpoint", host, "code", code, "response", string(body))
		return []string{pushkey}, nil
	case code != http.StatusCreated:
		d.logger.Info("webpush request didn't respond with 201",
			"endpoint", host, "code", code, "response", string(body))
	}
	return nil, nil
}

// buildPayload assembles the JSON document delivered inside the encrypted
// push. Only a whitelist of notification attributes crosses over, and the
// bulky content fields are capped so the message fits the size limit.
func buildPayload(n *notification.Notification, device *notification.Device) (map[string]any, bool) {
	defaultPayload, ok := device.DefaultPayload()
	if !ok {
		return nil, false
	}
	payload := make(map[string]any, len(defaultPayload)+12)
	for k, v := range defaultPayload {
		payload[k] = v
	}

	setIfSet := func(key, value string) {
		if value != "" {
			payload[key] = value
		}
	}
	setIfSet("room_id", n.RoomID)
	setIfSet("room_name", n.RoomName)
	setIfSet("room_alias", n.RoomAlias)
	setIfSet("membership", n.Membership)
	setIfSet("event_id", n.EventID)
	setIfSet("sender", n.Sender)
	setIfSet("sender_display_name", n.SenderDisplayName)
	if n.UserIsTarget {
		payload["user_is_target"] = true
	}
	setIfSet("type", n.Type)

	if n.Counts.Unread != nil {
		payload["unread"] = *n.Counts.Unread
	}
	if n.Counts.MissedCalls != nil {
		payload["missed_calls"] = *n.Counts.MissedCalls
	}

	if len(n.Content) > 0 {
		content := make(map[string]any, len(n.Content))
		for k, v := range n.Content {
			content[k] = v
		}
		delete(content, "formatted_body")
		if body, isString := content["body"].(string); isString {
			if runes := []rune(body); len(runes) > maxBodyLength {
				content["body"] = string(runes[:maxBodyLength-1]) + "…"
			}
		}
		if ciphertext, isString := content["ciphertext"].(string); isString {
			if len([]rune(ciphertext)) > maxCiphertextLength {
				delete(content, "ciphertext")
			}
		}
		payload["content"] = content
	}
	return payload, true
}

func (d *Dispatcher) hostAllowed(host string) bool {
	for _, re := range d.allowed {
		if re.MatchString(host) {
			return true
		}
	}
	return false
}

// compileGlob turns an allowed_endpoints pattern into an anchored regexp
// with * and ? as the only wildcards. Hostnames compare case-insensitively.
func compileGlob(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString(`(?i)\A`)
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(`.*`)
		case '?':
			b.WriteString(`.`)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString(`\z`)
	return regexp.MustCompile(b.String())
}

// endpointHost extracts the host part of the subscription endpoint for the
// allowed_endpoints check and for logging. The endpoint path is a capability
// secret and stays out of the logs.
func endpointHost(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	return u.Host
}

// roomTopic derives the Topic header that identifies pushes for the same
// room. 22 digest bytes keep the base64 form inside the 32 characters
// RFC 8030 allows for the header.
func roomTopic(roomID string) string {
	digest := blake2s.Sum256([]byte(roomID))
	return base64.URLEncoding.EncodeToString(digest[:22])
}

// uaClient stamps the gateway User-Agent on the requests webpush-go builds.
type uaClient struct {
	inner *http.Client
}

func (c uaClient) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", "sygnal")
	return c.inner.Do(req)
}
