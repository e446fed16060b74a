// Package pipeline fans a parsed notification out to the backends its
// devices route to and aggregates the pushkeys they reject.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
	"github.com/tinywideclouds/go-push-gateway/pkg/notification"
)

var (
	devicesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sygnal_notifications_devices_received",
		Help: "Number of devices been asked to push",
	})
	notifsByPushkin = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sygnal_per_pushkin_type",
		Help: "Number of pushes sent via each type of pushkin",
	}, []string{"pushkin"})
)

// Processor drives the dispatch of one notification across its devices.
type Processor struct {
	router *Router
	logger *slog.Logger
}

func NewProcessor(router *Router, logger *slog.Logger) *Processor {
	return &Processor{
		router: router,
		logger: logger.With("component", "processor"),
	}
}

// Dispatch routes every device, sends the notification through each
// resolved backend and returns the rejected pushkeys. Devices sharing a
// backend are handed over together, which lets the FCM legacy backend
// batch them into one upstream request; groups are dispatched sequentially
// in first-occurrence order. Unknown and ambiguous app ids reject the
// device without contacting any backend. The first backend error aborts
// the request.
func (p *Processor) Dispatch(ctx context.Context, n *notification.Notification, reqCtx *notification.Context) ([]string, error) {
	logger := p.logger.With("request_id", reqCtx.RequestID)

	backends := make([]dispatch.Backend, len(n.Devices))
	for i := range n.Devices {
		devicesReceived.Inc()
		appID := n.Devices[i].AppID
		matches := p.router.Find(appID)
		switch len(matches) {
		case 1:
			backends[i] = matches[0]
		case 0:
			logger.Warn("got notification for unknown app id", "app_id", appID)
		default:
			logger.Warn("got notification for ambiguous app id", "app_id", appID)
		}
	}

	var order []dispatch.Backend
	groups := make(map[dispatch.Backend][]notification.Device)
	for i, b := range backends {
		if b == nil {
			continue
		}
		if _, seen := groups[b]; !seen {
			order = append(order, b)
		}
		groups[b] = append(groups[b], n.Devices[i])
	}

	rejectedBy := make(map[dispatch.Backend]map[string]int, len(order))
	for _, b := range order {
		devices := groups[b]
		logger.Debug("sending push", "pushkin", b.Name(), "num_devices", len(devices))
		notifsByPushkin.WithLabelValues(b.Name()).Add(float64(len(devices)))

		result, err := b.Dispatch(ctx, n, devices...)
		if err != nil {
			return nil, err
		}
		counts := make(map[string]int, len(result))
		for _, pushkey := range result {
			counts[pushkey]++
		}
		rejectedBy[b] = counts
	}

	// Emit rejections in device order so the response list is a
	// subsequence of the request's pushkeys even when devices of
	// different backends interleave.
	rejected := make([]string, 0)
	for i := range n.Devices {
		pushkey := n.Devices[i].Pushkey
		b := backends[i]
		if b == nil {
			rejected = append(rejected, pushkey)
			continue
		}
		if rejectedBy[b][pushkey] > 0 {
			rejectedBy[b][pushkey]--
			rejected = append(rejected, pushkey)
		}
	}
	// Surface any pushkey a backend reported that no device carried.
	for _, b := range order {
		for pushkey, left := range rejectedBy[b] {
			for ; left > 0; left-- {
				rejected = append(rejected, pushkey)
			}
		}
	}
	return rejected, nil
}
