package pushgateway

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-push-gateway/internal/platform/apns"
	"github.com/tinywideclouds/go-push-gateway/internal/platform/fcm"
	"github.com/tinywideclouds/go-push-gateway/internal/platform/web"
	"github.com/tinywideclouds/go-push-gateway/internal/transport"
	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
	"github.com/tinywideclouds/go-push-gateway/pushgateway/config"
)

// builderFunc constructs one backend from its app config block.
type builderFunc func(ctx context.Context, name string, app config.App, dialer transport.Dialer, logger *slog.Logger) (dispatch.Backend, error)

// builders is the closed set of backend kinds this gateway can construct.
var builders = map[string]builderFunc{
	"apns":    buildAPNs,
	"gcm":     buildFCM,
	"webpush": buildWebPush,
}

func newBackend(ctx context.Context, name string, app config.App, dialer transport.Dialer, logger *slog.Logger) (dispatch.Backend, error) {
	build, known := builders[app.Type]
	if !known {
		return nil, fmt.Errorf("unknown pushkin type %q", app.Type)
	}
	return build(ctx, name, app, dialer, logger)
}

// yamlCommonApp carries the fields every backend kind understands.
type yamlCommonApp struct {
	InflightRequestLimit int    `yaml:"inflight_request_limit"`
	RequestTimeout       string `yaml:"request_timeout"`
}

func (c yamlCommonApp) timeout() (time.Duration, error) {
	if c.RequestTimeout == "" {
		return 0, nil
	}
	timeout, err := time.ParseDuration(c.RequestTimeout)
	if err != nil {
		return 0, fmt.Errorf("request_timeout must be a duration: %w", err)
	}
	return timeout, nil
}

type yamlAPNsApp struct {
	Type              string `yaml:"type"`
	Platform          string `yaml:"platform"`
	Certfile          string `yaml:"certfile"`
	Keyfile           string `yaml:"keyfile"`
	KeyID             string `yaml:"key_id"`
	TeamID            string `yaml:"team_id"`
	Topic             string `yaml:"topic"`
	PushType          string `yaml:"push_type"`
	ConvertTokenToHex *bool  `yaml:"convert_device_token_to_hex"`
	yamlCommonApp     `yaml:",inline"`
}

func buildAPNs(_ context.Context, name string, app config.App, dialer transport.Dialer, logger *slog.Logger) (dispatch.Backend, error) {
	var raw yamlAPNsApp
	if err := app.Node.Decode(&raw); err != nil {
		return nil, err
	}
	warnUnknownFields(logger, name, app.Node,
		"type", "platform", "certfile", "keyfile", "key_id", "team_id", "topic",
		"push_type", "convert_device_token_to_hex", "inflight_request_limit",
		"request_timeout")

	timeout, err := raw.timeout()
	if err != nil {
		return nil, err
	}
	cfg := apns.Config{
		Name:              name,
		Platform:          raw.Platform,
		CertFile:          raw.Certfile,
		KeyFile:           raw.Keyfile,
		KeyID:             raw.KeyID,
		TeamID:            raw.TeamID,
		Topic:             raw.Topic,
		PushType:          raw.PushType,
		ConvertTokenToHex: raw.ConvertTokenToHex,
		InflightLimit:     raw.InflightRequestLimit,
		RequestTimeout:    timeout,
	}
	client, err := apns.NewClient(cfg, dialer)
	if err != nil {
		return nil, err
	}
	return apns.NewDispatcher(cfg, client, logger)
}

type yamlFCMApp struct {
	Type               string         `yaml:"type"`
	APIKey             string         `yaml:"api_key"`
	APIVersion         string         `yaml:"api_version"`
	FCMOptions         map[string]any `yaml:"fcm_options"`
	MaxConnections     int            `yaml:"max_connections"`
	ProjectID          string         `yaml:"project_id"`
	ServiceAccountFile string         `yaml:"service_account_file"`
	yamlCommonApp      `yaml:",inline"`
}

func buildFCM(ctx context.Context, name string, app config.App, dialer transport.Dialer, logger *slog.Logger) (dispatch.Backend, error) {
	var raw yamlFCMApp
	if err := app.Node.Decode(&raw); err != nil {
		return nil, err
	}
	warnUnknownFields(logger, name, app.Node,
		"type", "api_key", "api_version", "fcm_options", "max_connections",
		"project_id", "service_account_file", "inflight_request_limit",
		"request_timeout")

	timeout, err := raw.timeout()
	if err != nil {
		return nil, err
	}
	cfg := fcm.Config{
		Name:               name,
		APIVersion:         raw.APIVersion,
		APIKey:             raw.APIKey,
		ProjectID:          raw.ProjectID,
		ServiceAccountFile: raw.ServiceAccountFile,
		FCMOptions:         raw.FCMOptions,
		MaxConnections:     raw.MaxConnections,
		InflightLimit:      raw.InflightRequestLimit,
		RequestTimeout:     timeout,
	}
	return fcm.NewDispatcher(ctx, cfg, dialer, logger)
}

type yamlWebPushApp struct {
	Type              string   `yaml:"type"`
	VapidPrivateKey   string   `yaml:"vapid_private_key"`
	VapidContactEmail string   `yaml:"vapid_contact_email"`
	AllowedEndpoints  []string `yaml:"allowed_endpoints"`
	TTL               int      `yaml:"ttl"`
	MaxConnections    int      `yaml:"max_connections"`
	yamlCommonApp     `yaml:",inline"`
}

func buildWebPush(_ context.Context, name string, app config.App, dialer transport.Dialer, logger *slog.Logger) (dispatch.Backend, error) {
	var raw yamlWebPushApp
	if err := app.Node.Decode(&raw); err != nil {
		return nil, err
	}
	warnUnknownFields(logger, name, app.Node,
		"type", "vapid_private_key", "vapid_contact_email", "allowed_endpoints",
		"ttl", "max_connections", "inflight_request_limit", "request_timeout")

	timeout, err := raw.timeout()
	if err != nil {
		return nil, err
	}
	cfg := web.Config{
		Name:              name,
		VapidPrivateKey:   raw.VapidPrivateKey,
		VapidContactEmail: raw.VapidContactEmail,
		AllowedEndpoints:  raw.AllowedEndpoints,
		TTL:               raw.TTL,
		MaxConnections:    raw.MaxConnections,
		InflightLimit:     raw.InflightRequestLimit,
		RequestTimeout:    timeout,
	}
	return web.NewDispatcher(cfg, dialer, logger)
}

// warnUnknownFields reports app config keys the kind does not act on.
func warnUnknownFields(logger *slog.Logger, name string, node yaml.Node, understood ...string) {
	var all map[string]any
	if node.Decode(&all) != nil {
		return
	}
	known := make(map[string]bool, len(understood))
	for _, key := range understood {
		known[key] = true
	}
	var unknown []string
	for key := range all {
		if !known[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) == 0 {
		return
	}
	sort.Strings(unknown)
	logger.Warn("The following configuration fields are not understood",
		"app_id", name, "fields", unknown)
}
