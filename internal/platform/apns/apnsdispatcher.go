// Package apns relays notifications to the Apple Push Notification service
// over HTTP/2, with certificate or token authentication.
package apns

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/certificate"
	"github.com/sideshow/apns2/token"

	"github.com/tinywideclouds/go-push-gateway/internal/transport"
	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
	"github.com/tinywideclouds/go-push-gateway/pkg/notification"
)

var (
	sendTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "sygnal_apns_request_time",
		Help: "Time taken to send HTTP request to APNs",
	})
	statusCodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sygnal_apns_status_codes",
		Help: "Number of HTTP response status codes received from APNs",
	}, []string{"pushkin", "code"})
	certificateExpiry = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sygnal_client_cert_expiry",
		Help: "The expiry date of the client certificate",
	}, []string{"pushkin"})
)

// Client is the subset of the apns2 client methods the dispatcher uses.
// This allows mocking for unit tests.
type Client interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

// Config carries the app-level settings for one APNs backend. Exactly one of
// CertFile (certificate auth) or KeyFile (token auth, with KeyID, TeamID and
// Topic) must be set.
type Config struct {
	Name     string
	Platform string
	CertFile string
	KeyFile  string
	KeyID    string
	TeamID   string
	Topic    string
	PushType string
	// ConvertTokenToHex controls whether pushkeys are base64-decoded and
	// re-encoded as hex device tokens. nil means true.
	ConvertTokenToHex *bool
	InflightLimit     int
	RequestTimeout    time.Duration
}

// NewClient builds the real apns2 client from the config: resolves the
// platform host, loads the credentials, and routes the HTTP/2 connection
// through the given dialer so proxied deployments work.
func NewClient(cfg Config, dialer transport.Dialer) (*apns2.Client, error) {
	var host string
	switch cfg.Platform {
	case "", "production", "prod":
		host = apns2.HostProduction
	case "sandbox":
		host = apns2.HostDevelopment
	default:
		return nil, fmt.Errorf("invalid platform %q, expected production or sandbox", cfg.Platform)
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		return nil, errors.New("both certfile and keyfile are configured, provide exactly one")
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = transport.DefaultRequestTimeout
	}

	switch {
	case cfg.CertFile != "":
		if _, err := os.Stat(cfg.CertFile); err != nil {
			return nil, fmt.Errorf("apns certificate %q is not readable: %w", cfg.CertFile, err)
		}
		cert, err := certificate.FromPemFile(cfg.CertFile, "")
		if err != nil {
			return nil, fmt.Errorf("loading apns certificate: %w", err)
		}
		if err := reportCertificateExpiry(cfg.Name, cert); err != nil {
			return nil, err
		}
		t := transport.NewHTTP2Transport(dialer, &tls.Config{
			Certificates: []tls.Certificate{cert},
		})
		return &apns2.Client{
			Host:        host,
			Certificate: cert,
			HTTPClient:  &http.Client{Transport: t, Timeout: timeout},
		}, nil

	case cfg.KeyFile != "":
		if cfg.KeyID == "" {
			return nil, errors.New("apns token auth needs key_id")
		}
		if cfg.TeamID == "" {
			return nil, errors.New("apns token auth needs team_id")
		}
		if cfg.Topic == "" {
			return nil, errors.New("apns token auth needs topic")
		}
		authKey, err := token.AuthKeyFromFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading apns key file: %w", err)
		}
		t := transport.NewHTTP2Transport(dialer, &tls.Config{})
		return &apns2.Client{
			Host:       host,
			Token:      &token.Token{AuthKey: authKey, KeyID: cfg.KeyID, TeamID: cfg.TeamID},
			HTTPClient: &http.Client{Transport: t, Timeout: timeout},
		}, nil

	default:
		return nil, errors.New("apns needs either certfile or keyfile")
	}
}

// reportCertificateExpiry exports the client certificate expiry epoch so
// operators can alarm before Apple starts refusing the connection.
func reportCertificateExpiry(name string, cert tls.Certificate) error {
	if len(cert.Certificate) == 0 {
		return errors.New("apns certificate file contains no certificate")
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return fmt.Errorf("parsing apns certificate: %w", err)
	}
	certificateExpiry.WithLabelValues(name).Set(float64(leaf.NotAfter.Unix()))
	return nil
}

// Dispatcher relays notifications for one configured app to APNs.
type Dispatcher struct {
	name              string
	topic             string
	pushType          apns2.EPushType
	convertTokenToHex bool
	maxBodySize       int
	client            Client
	limiter           *dispatch.Limiter
	retrier           dispatch.Retrier
	logger            *slog.Logger
}

// NewDispatcher wires a dispatcher around an already constructed client.
func NewDispatcher(cfg Config, client Client, logger *slog.Logger) (*Dispatcher, error) {
	pushType, err := parsePushType(cfg.PushType)
	if err != nil {
		return nil, err
	}
	convert := true
	if cfg.ConvertTokenToHex != nil {
		convert = *cfg.ConvertTokenToHex
	}
	return &Dispatcher{
		name:              cfg.Name,
		topic:             cfg.Topic,
		pushType:          pushType,
		convertTokenToHex: convert,
		maxBodySize:       MaxJSONBodySize,
		client:            client,
		limiter:           dispatch.NewLimiter(cfg.Name, cfg.InflightLimit),
		logger:            logger.With("component", "apns_dispatcher", "pushkin", cfg.Name),
	}, nil
}

func parsePushType(s string) (apns2.EPushType, error) {
	switch s {
	case "":
		return "", nil
	case "alert":
		return apns2.PushTypeAlert, nil
	case "background":
		return apns2.PushTypeBackground, nil
	case "voip":
		return apns2.PushTypeVOIP, nil
	case "complication":
		return apns2.PushTypeComplication, nil
	case "fileprovider":
		return apns2.PushTypeFileProvider, nil
	case "mdm":
		return apns2.PushTypeMDM, nil
	default:
		return "", fmt.Errorf("invalid push_type %q", s)
	}
}

// Name implements dispatch.Backend.
func (d *Dispatcher) Name() string { return d.name }

// Dispatch sends the notification to each device in turn. APNs has no batch
// endpoint, so devices are handled sequentially; the first dispatch error
// aborts the remainder of the group.
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
	defaultPayload, ok := device.DefaultPayload()
	if !ok {
		d.logger.Error("default_payload is misconfigured, this value must be a map")
		return []string{device.Pushkey}, nil
	}

	var payload map[string]any
	if n.EventID != "" && n.Type == "" {
		payload = eventIDOnlyPayload(n, defaultPayload)
	} else {
		payload = fullPayload(n, defaultPayload)
	}
	if payload == nil {
		d.logger.Info("nothing to do for alert", "type", n.Type)
		return nil, nil
	}

	if err := Truncate(payload, d.maxBodySize); err != nil {
		return nil, err
	}

	deviceToken := device.Pushkey
	if d.convertTokenToHex {
		raw, err := base64.StdEncoding.DecodeString(device.Pushkey)
		if err != nil {
			d.logger.Info("ignoring device token with non-base64 characters")
			return []string{device.Pushkey}, nil
		}
		deviceToken = hex.EncodeToString(raw)
	}

	priority := apns2.PriorityHigh
	if n.Prio == notification.PrioLow {
		priority = apns2.PriorityLow
	}

	release, err := d.limiter.Acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	return d.retrier.Do(ctx, func(ctx context.Context) ([]string, error) {
		return d.send(ctx, payload, deviceToken, priority, device.Pushkey)
	})
}

// send performs one attempt against APNs and classifies the response. Each
// attempt carries a fresh notification id.
func (d *Dispatcher) send(ctx context.Context, payload map[string]any, deviceToken string, priority int, pushkey string) ([]string, error) {
	notif := &apns2.Notification{
		ApnsID:      uuid.New().String(),
		DeviceToken: deviceToken,
		Topic:       d.topic,
		Payload:     payload,
		Priority:    priority,
		PushType:    d.pushType,
	}

	d.logger.Debug("sending notification", "notification_id", notif.ApnsID)

	start := time.Now()
	res, err := d.client.PushWithContext(ctx, notif)
	sendTime.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, dispatch.Temporaryf("sending to apns: %w", err)
	}

	statusCodes.WithLabelValues(d.name, strconv.Itoa(res.StatusCode)).Inc()

	switch {
	case res.Sent():
		return nil, nil
	case tokenInvalidated(res):
		d.logger.Warn("apns rejected device token", "status", res.StatusCode, "reason", res.Reason)
		return []string{pushkey}, nil
	case res.StatusCode/100 == 5:
		return nil, dispatch.Temporaryf("apns responded %d %s", res.StatusCode, res.Reason)
	default:
		return nil, dispatch.Permanentf("apns responded %d %s", res.StatusCode, res.Reason)
	}
}

// tokenInvalidated reports whether the response means this device token must
// never be pushed to again. Only these four status/reason pairs say so; any
// other 4xx is a problem with the request, not the token.
func tokenInvalidated(res *apns2.Response) bool {
	switch res.StatusCode {
	case http.StatusBadRequest:
		return res.Reason == apns2.ReasonBadDeviceToken ||
			res.Reason == apns2.ReasonDeviceTokenNotForTopic ||
			res.Reason == apns2.ReasonTopicDisallowed
	case http.StatusGone:
		return res.Reason == apns2.ReasonUnregistered
	}
	return false
}
