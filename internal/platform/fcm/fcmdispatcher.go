// Package fcm relays notifications to Firebase Cloud Messaging, speaking
// either the legacy HTTP API or the HTTP v1 API depending on configuration.
package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/tinywideclouds/go-push-gateway/internal/transport"
	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
	"github.com/tinywideclouds/go-push-gateway/pkg/notification"
)

var (
	sendTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "sygnal_gcm_request_time",
		Help: "Time taken to send HTTP request to GCM",
	})
	statusCodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sygnal_gcm_status_codes",
		Help: "Number of HTTP response status codes received from GCM",
	}, []string{"pushkin", "code"})
)

const (
	legacyURL     = "https://fcm.googleapis.com/fcm/send"
	v1URLTemplate = "https://fcm.googleapis.com/v1/projects/%s/messages:send"

	// MaxBytesPerField caps each copied notification attribute; FCM rejects
	// oversized message bodies outright.
	MaxBytesPerField = 1024

	// DefaultMaxConnections bounds concurrent connections to FCM per app.
	DefaultMaxConnections = 20

	authScope = "https://www.googleapis.com/auth/firebase.messaging"
)

// Error codes that mean a registration ID will never succeed, so it is
// rejected upstream. NotRegistered is included for good measure.
var badPushkeyCodes = map[string]bool{
	"MissingRegistration": true,
	"InvalidRegistration": true,
	"NotRegistered":       true,
	"InvalidPackageName":  true,
	"MismatchSenderId":    true,
}

// Error codes that mean this message will never succeed but the registration
// ID is fine, so neither retry nor reject.
var badMessageCodes = map[string]bool{
	"MessageTooBig":  true,
	"InvalidDataKey": true,
	"InvalidTtl":     true,
}

// APIVersion selects which Firebase messaging API the dispatcher speaks.
type APIVersion string

const (
	APIVersionLegacy APIVersion = "legacy"
	APIVersionV1     APIVersion = "v1"
)

// Config carries the app-level settings for one FCM backend. Legacy needs
// APIKey; v1 needs ProjectID and ServiceAccountFile.
type Config struct {
	Name       string
	APIVersion string
	APIKey     string
	ProjectID  string
	// ServiceAccountFile points at the Google service account JSON used to
	// mint OAuth2 bearer tokens for the v1 API.
	ServiceAccountFile string
	// FCMOptions is copied into every request body as a base layer, letting
	// deployments set provider options such as content_available.
	FCMOptions     map[string]any
	MaxConnections int
	InflightLimit  int
	RequestTimeout time.Duration
}

// Dispatcher relays notifications for one configured app to FCM.
type Dispatcher struct {
	name       string
	apiVersion APIVersion
	apiKey     string
	url        string
	baseBody   map[string]any
	client     *http.Client
	tokens     oauth2.TokenSource
	limiter    *dispatch.Limiter
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewDispatcher builds a dispatcher from the config. Outbound requests,
// including v1 token refreshes, are dialed through the given dialer. ctx
// scopes the lifetime of the token source.
func NewDispatcher(ctx context.Context, cfg Config, dialer transport.Dialer, logger *slog.Logger) (*Dispatcher, error) {
	logger = logger.With("component", "fcm_dispatcher", "pushkin", cfg.Name)

	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = DefaultMaxConnections
	}
	client := transport.NewHTTPClient(dialer, cfg.RequestTimeout, maxConns)

	d := &Dispatcher{
		name:       cfg.Name,
		apiKey:     cfg.APIKey,
		url:        legacyURL,
		baseBody:   cfg.FCMOptions,
		client:     client,
		limiter:    dispatch.NewLimiter(cfg.Name, cfg.InflightLimit),
		logger:     logger,
		sleep:      dispatch.SleepContext,
	}

	switch APIVersion(cfg.APIVersion) {
	case "":
		logger.Warn("api_version not set in config, defaulting to legacy")
		d.apiVersion = APIVersionLegacy
	case APIVersionLegacy:
		d.apiVersion = APIVersionLegacy
	case APIVersionV1:
		d.apiVersion = APIVersionV1
	default:
		return nil, fmt.Errorf("invalid api_version %q, expected legacy or v1", cfg.APIVersion)
	}

	if d.apiVersion == APIVersionLegacy && cfg.APIKey == "" {
		return nil, errors.New("no api_key set in config")
	}

	if d.apiVersion == APIVersionV1 {
		if cfg.ProjectID == "" {
			return nil, errors.New("must configure project_id when using FCM api v1")
		}
		if cfg.ServiceAccountFile == "" {
			return nil, errors.New("must configure service_account_file when using FCM api v1")
		}
		raw, err := os.ReadFile(cfg.ServiceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("reading service_account_file: %w", err)
		}
		// Token refreshes must honour the proxy configuration too.
		creds, err := google.CredentialsFromJSON(
			context.WithValue(ctx, oauth2.HTTPClient, client), raw, authScope)
		if err != nil {
			return nil, fmt.Errorf("service_account_file must be valid: %w", err)
		}
		d.tokens = creds.TokenSource
		d.url = fmt.Sprintf(v1URLTemplate, cfg.ProjectID)
	}

	return d, nil
}

// Name implements dispatch.Backend.
func (d *Dispatcher) Name() string { return d.name }

// Dispatch sends the notification to the group of devices. The legacy API
// takes every pushkey in one batched request; v1 has no batch form, so each
// device gets its own request.
func (d *Dispatcher) Dispatch(ctx context.Context, n *notification.Notification, devices ...notification.Device) ([]string, error) {
	if len(devices) == 0 {
		return nil, nil
	}

	if d.apiVersion == APIVersionV1 {
		var rejected []string
		for i := range devices {
			r, err := d.dispatchBatch(ctx, n, &devices[i], []string{devices[i].Pushkey})
			if err != nil {
				return nil, err
			}
			rejected = append(rejected, r...)
		}
		return rejected, nil
	}

	pushkeys := make([]string, 0, len(devices))
	for i := range devices {
		pushkeys = append(pushkeys, devices[i].Pushkey)
	}
	return d.dispatchBatch(ctx, n, &devices[0], pushkeys)
}

// dispatchBatch pushes one request body to every pushkey in the batch,
// retrying the subset FCM reports as temporarily failed. Exhausting the
// retries abandons the remaining pushkeys without rejecting them; only a
// permanent provider error aborts the whole request.
func (d *Dispatcher) dispatchBatch(ctx context.Context, n *notification.Notification, device *notification.Device, pushkeys []string) ([]string, error) {
	release, err := d.limiter.Acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	data := buildData(n, device, d.apiVersion)
	if data == nil {
		d.logger.Warn("rejecting pushkey(s) due to misconfigured default_payload, " +
			"please ensure that default_payload is a map")
		return pushkeys, nil
	}

	auth, err := d.authHeader()
	if err != nil {
		return nil, err
	}

	body := d.requestBody(n, device, data)

	var failed []string
	for attempt := 0; attempt < dispatch.MaxTries; attempt++ {
		// The recipient keys live in the body and the retry set shrinks, so
		// they are rewritten on every attempt.
		if d.apiVersion == APIVersionLegacy {
			delete(body, "to")
			delete(body, "registration_ids")
			if len(pushkeys) == 1 {
				body["to"] = pushkeys[0]
			} else {
				body["registration_ids"] = pushkeys
			}
		}

		d.logger.Info("sending notification",
			"attempt", attempt,
			"num_devices", len(pushkeys),
			"room_id", n.RoomID,
			"event_id", n.EventID)

		newFailed, retry, err := d.sendAttempt(ctx, body, auth, pushkeys)
		if err != nil {
			var temp *dispatch.TemporaryError
			if !errors.As(err, &temp) {
				return nil, err
			}
			if attempt == dispatch.MaxTries-1 {
				break
			}
			delay := retryDelay(temp, attempt)
			d.logger.Warn("temporary failure from fcm, will retry", "delay", delay, "error", err)
			if err := d.sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		failed = append(failed, newFailed...)
		pushkeys = retry
		if len(pushkeys) == 0 {
			break
		}
	}

	if len(pushkeys) > 0 {
		d.logger.Info("gave up retrying registration ids", "num_devices", len(pushkeys))
	}
	return failed, nil
}

// retryDelay mirrors the dispatch.Retrier schedule: exponential from the
// error's backoff base, with an explicit Retry-After winning outright.
func retryDelay(temp *dispatch.TemporaryError, attempt int) time.Duration {
	base := dispatch.RetryDelayBase
	if temp.BackoffBase > 0 {
		base = temp.BackoffBase
	}
	delay := base << attempt
	if temp.RetryAfter > 0 {
		delay = temp.RetryAfter
	}
	return delay
}

// authHeader returns the Authorization value for the configured API version.
// The v1 token source caches tokens and refreshes them on expiry.
func (d *Dispatcher) authHeader() (string, error) {
	if d.apiVersion == APIVersionLegacy {
		return "key=" + d.apiKey, nil
	}
	tok, err := d.tokens.Token()
	if err != nil {
		return "", fmt.Errorf("fetching fcm access token: %w", err)
	}
	return "Bearer " + tok.AccessToken, nil
}

// requestBody assembles the provider request from the configured base layer,
// the message data and the notification priority. For v1 everything is
// wrapped in a "message" envelope carrying the device token.
func (d *Dispatcher) requestBody(n *notification.Notification, device *notification.Device, data map[string]any) map[string]any {
	body := cloneJSONMap(d.baseBody)
	if body == nil {
		body = map[string]any{}
	}
	body["data"] = data

	prio := "high"
	if n.Prio == notification.PrioLow {
		prio = "normal"
	}

	if d.apiVersion == APIVersionLegacy {
		body["priority"] = prio
		return body
	}

	if android, ok := body["android"].(map[string]any); ok {
		android["priority"] = prio
	} else {
		body["android"] = map[string]any{"priority": prio}
	}
	body["token"] = device.Pushkey
	return map[string]any{"message": body}
}

// sendAttempt performs one HTTP request and classifies the response into
// (rejected pushkeys, pushkeys to retry, error).
func (d *Dispatcher) sendAttempt(ctx context.Context, body map[string]any, auth string, pushkeys []string) ([]string, []string, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding fcm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(encoded))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("User-Agent", "sygnal")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", auth)

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, nil, dispatch.Temporaryf("fcm request failure: %w", err)
	}
	defer resp.Body.Close()
	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, dispatch.Temporaryf("reading fcm response: %w", err)
	}
	sendTime.Observe(time.Since(start).Seconds())
	statusCodes.WithLabelValues(d.name, strconv.Itoa(resp.StatusCode)).Inc()

	if d.apiVersion == APIVersionV1 {
		return d.handleV1Response(resp, text, pushkeys)
	}
	return d.handleLegacyResponse(resp, text, pushkeys)
}

func (d *Dispatcher) handleLegacyResponse(resp *http.Response, text []byte, pushkeys []string) ([]string, []string, error) {
	code := resp.StatusCode
	switch {
	case code >= 500 && code < 600:
		d.logger.Debug("fcm server error, waiting to try again", "code", code)
		temp := dispatch.Temporaryf("fcm server error %d, hopefully temporary", code)
		temp.RetryAfter = retryAfterHeader(resp.Header)
		return nil, nil, temp

	case code == http.StatusBadRequest:
		d.logger.Error("we have sent something invalid to fcm", "code", code, "response", string(text))
		return nil, nil, dispatch.Permanentf("invalid request")

	case code == http.StatusUnauthorized:
		d.logger.Error("fcm rejected our api key", "response", string(text))
		return nil, nil, dispatch.Permanentf("not authorised to push")

	case code == http.StatusNotFound:
		d.logger.Info("fcm returned 404, assuming registration ids unregistered", "num_devices", len(pushkeys))
		return pushkeys, nil, nil

	case code >= 200 && code < 300:
		var parsed struct {
			Results []struct {
				Error string `json:"error"`
			} `json:"results"`
		}
		if err := json.Unmarshal(text, &parsed); err != nil {
			return nil, nil, dispatch.Permanentf("invalid JSON response from fcm")
		}
		if len(parsed.Results) < len(pushkeys) {
			d.logger.Error("fcm acknowledged fewer devices than were sent",
				"sent", len(pushkeys), "results", len(parsed.Results))
		}

		var failed, retry []string
		for i, result := range parsed.Results {
			if i >= len(pushkeys) {
				break
			}
			if result.Error == "" {
				continue
			}
			switch {
			case badPushkeyCodes[result.Error]:
				d.logger.Info("registration id permanently failed, rejecting upstream", "error", result.Error)
				failed = append(failed, pushkeys[i])
			case badMessageCodes[result.Error]:
				d.logger.Info("message permanently failed for registration id", "error", result.Error)
			default:
				d.logger.Info("registration id temporarily failed", "error", result.Error)
				retry = append(retry, pushkeys[i])
			}
		}
		// Pushkeys the response did not account for are treated as
		// temporarily failed rather than dropped.
		if len(parsed.Results) < len(pushkeys) {
			retry = append(retry, pushkeys[len(parsed.Results):]...)
		}
		return failed, retry, nil

	default:
		return nil, nil, dispatch.Permanentf("unknown fcm response code %d", code)
	}
}

func (d *Dispatcher) handleV1Response(resp *http.Response, text []byte, pushkeys []string) ([]string, []string, error) {
	code := resp.StatusCode
	switch {
	case code >= 500 && code < 600:
		d.logger.Debug("fcm server error, waiting to try again", "code", code)
		temp := dispatch.Temporaryf("fcm server error %d, hopefully temporary", code)
		temp.RetryAfter = retryAfterHeader(resp.Header)
		return nil, nil, temp

	case code == http.StatusBadRequest:
		d.logger.Error("we have sent something invalid to fcm", "code", code, "response", string(text))
		return nil, nil, dispatch.Permanentf("invalid request")

	case code == http.StatusUnauthorized:
		d.logger.Error("fcm rejected our credentials", "response", string(text))
		return nil, nil, dispatch.Permanentf("not authorised to push")

	case code == http.StatusForbidden:
		d.logger.Error("fcm reports a sender id mismatch", "response", string(text))
		return nil, nil, dispatch.Permanentf("sender id mismatch")

	case code == http.StatusTooManyRequests:
		d.logger.Debug("fcm message rate quota exceeded, waiting to try again")
		temp := dispatch.Temporaryf("message rate quota exceeded")
		temp.BackoffBase = dispatch.RetryDelayBaseQuota
		temp.RetryAfter = retryAfterHeader(resp.Header)
		return nil, nil, temp

	case code == http.StatusNotFound:
		d.logger.Info("fcm returned 404, assuming registration ids unregistered", "num_devices", len(pushkeys))
		return pushkeys, nil, nil

	case code >= 200 && code < 300:
		return nil, nil, nil

	default:
		return nil, nil, dispatch.Permanentf("unknown fcm response code %d", code)
	}
}

// retryAfterHeader reads a delta-seconds Retry-After value, or zero when the
// header is absent or unparseable.
func retryAfterHeader(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// buildData assembles the message data map: the device's default_payload as
// a base, then a fixed whitelist of notification attributes, the unread
// counters and the priority hint. Returns nil when default_payload is
// present but not an object, which rejects the batch.
func buildData(n *notification.Notification, device *notification.Device, version APIVersion) map[string]any {
	defaultPayload, ok := device.DefaultPayload()
	if !ok {
		return nil
	}
	data := make(map[string]any, len(defaultPayload)+12)
	for k, v := range defaultPayload {
		data[k] = v
	}

	setField := func(key, value string) {
		if value != "" {
			data[key] = truncateField(value)
		}
	}
	setField("event_id", n.EventID)
	setField("type", n.Type)
	setField("sender", n.Sender)
	setField("room_name", n.RoomName)
	setField("room_alias", n.RoomAlias)
	setField("membership", n.Membership)
	setField("sender_display_name", n.SenderDisplayName)
	setField("room_id", n.RoomID)
	if n.Content != nil {
		data["content"] = n.Content
	}

	if version == APIVersionV1 {
		// The v1 data map only takes string values, so the content object is
		// flattened into content_<key> entries and non-strings are dropped.
		if content, isMap := data["content"].(map[string]any); isMap {
			for key, value := range content {
				if s, isString := value.(string); isString {
					data["content_"+key] = s
				}
			}
			delete(data, "content")
		}
		if n.Counts.Unread != nil {
			data["unread"] = strconv.Itoa(*n.Counts.Unread)
		}
		if n.Counts.MissedCalls != nil {
			data["missed_calls"] = strconv.Itoa(*n.Counts.MissedCalls)
		}
	} else {
		if n.Counts.Unread != nil {
			data["unread"] = *n.Counts.Unread
		}
		if n.Counts.MissedCalls != nil {
			data["missed_calls"] = *n.Counts.MissedCalls
		}
	}

	data["prio"] = "high"
	if n.Prio == notification.PrioLow {
		data["prio"] = "normal"
	}
	return data
}

// truncateField cuts s down to MaxBytesPerField bytes on a rune boundary.
func truncateField(s string) string {
	if len(s) <= MaxBytesPerField {
		return s
	}
	cut := MaxBytesPerField
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func cloneJSONValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneJSONMap(v)
	case []any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = cloneJSONValue(v[i])
		}
		return out
	default:
		return v
	}
}

// cloneJSONMap deep-copies the configured base body so request assembly
// never writes into shared config state.
func cloneJSONMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = cloneJSONValue(v)
	}
	return dst
}
