// Package api implements the inbound HTTP surface of the push gateway:
// the Matrix notify endpoint, the health check, and access logging.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
	"github.com/tinywideclouds/go-push-gateway/pkg/notification"
)

// maxRequestBytes caps the notify request body. Larger bodies abort the
// connection without a response.
const maxRequestBytes = 512 * 1024

var (
	notifsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sygnal_notifications_received",
		Help: "Number of notification pokes received",
	})
	statusCodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sygnal_pushgateway_status_codes",
		Help: "HTTP Response Codes given on the Push Gateway API",
	}, []string{"code"})
	notifyTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "sygnal_notify_time",
		Help: "Time taken to handle /notify push gateway request",
	}, []string{"code"})
	requestsInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sygnal_requests_in_flight",
		Help: "Number of HTTP requests in flight",
	}, []string{"resource"})
)

// Dispatcher fans one parsed notification out to the configured backends
// and reports the pushkeys they rejected.
type Dispatcher interface {
	Dispatch(ctx context.Context, n *notification.Notification, reqCtx *notification.Context) ([]string, error)
}

// NotifyAPI serves the push gateway endpoints.
type NotifyAPI struct {
	dispatcher Dispatcher
	logger     *slog.Logger
}

func NewNotifyAPI(dispatcher Dispatcher, logger *slog.Logger) *NotifyAPI {
	return &NotifyAPI{
		dispatcher: dispatcher,
		logger:     logger.With("component", "api"),
	}
}

// Notify handles POST /_matrix/push/v1/notify. Validation failures return
// 400 with the reason as the body; dispatch failures map to 502 when the
// backend classified them and 500 otherwise.
func (a *NotifyAPI) Notify(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()
	log := a.logger.With("request_id", requestID)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.Warn("aborting notify request over the body size limit", "limit_bytes", maxRequestBytes)
			panic(http.ErrAbortHandler)
		}
		log.Warn("failed to read notify request body", "error", err)
		respond(w, http.StatusBadRequest, "Expected JSON request body")
		return
	}

	n, err := notification.ParseRequest(body)
	if err != nil {
		log.Warn("rejecting invalid notification", "error", err)
		respond(w, http.StatusBadRequest, err.Error())
		return
	}

	notifsReceived.Inc()

	if len(n.Devices) == 0 {
		log.Warn("no devices in notification")
		respond(w, http.StatusBadRequest, "No devices in notification")
		return
	}

	a.dispatch(r.Context(), w, log, n, &notification.Context{RequestID: requestID, Start: start})
}

// dispatch runs the notification through the pipeline and writes the final
// response. Responses from here on are also observed in the notify latency
// histogram; earlier validation failures only count toward status codes.
func (a *NotifyAPI) dispatch(ctx context.Context, w http.ResponseWriter, log *slog.Logger, n *notification.Notification, reqCtx *notification.Context) {
	inFlight := requestsInFlight.WithLabelValues("NotifyAPI")
	inFlight.Inc()
	defer inFlight.Dec()

	rejected, err := a.dispatcher.Dispatch(ctx, n, reqCtx)
	if err != nil {
		var temporary *dispatch.TemporaryError
		var permanent *dispatch.PermanentError
		if errors.As(err, &temporary) || errors.As(err, &permanent) {
			log.Warn("failed to dispatch notification", "error", err)
			a.finish(w, reqCtx, http.StatusBadGateway, nil)
			return
		}
		log.Error("exception whilst dispatching notification", "error", err)
		a.finish(w, reqCtx, http.StatusInternalServerError, nil)
		return
	}

	response, err := json.Marshal(struct {
		Rejected []string `json:"rejected"`
	}{Rejected: rejected})
	if err != nil {
		log.Error("failed to encode notify response", "error", err)
		a.finish(w, reqCtx, http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	a.finish(w, reqCtx, http.StatusOK, response)
	if len(rejected) > 0 {
		log.Info("successfully delivered notifications", "num_rejected", len(rejected))
	}
}

func (a *NotifyAPI) finish(w http.ResponseWriter, reqCtx *notification.Context, code int, body []byte) {
	notifyTime.WithLabelValues(strconv.Itoa(code)).Observe(time.Since(reqCtx.Start).Seconds())
	respond(w, code, string(body))
}

// respond writes the response and accounts its status code.
func respond(w http.ResponseWriter, code int, body string) {
	statusCodes.WithLabelValues(strconv.Itoa(code)).Inc()
	w.WriteHeader(code)
	if body != "" {
		_, _ = io.WriteString(w, body)
	}
}

// Health handles GET /health with a blank 200 so load balancers can check
// the service is up.
func (a *NotifyAPI) Health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}
