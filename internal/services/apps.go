package services

import (
	"context"
	"jobflow/internal/config"
	"jobflow/internal/orchestrator/docker"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// App class names.
const (
	DefaultAppClass = "DefaultApp"
	HTTPAppClass    = "HTTPApp"
	DockerAppClass  = "DockerApp"
)

// DefaultApp carries no resources.
type DefaultApp struct{}

func (DefaultApp) Class() string { return DefaultAppClass }

// HTTPApp is the context for services that call out over HTTP.
type HTTPApp struct {
	BaseURL string
	Headers map[string]string
	Client  *http.Client
}

func (*HTTPApp) Class() string { return HTTPAppClass }

// HTTPAppConfig holds configuration for HTTPApp.
type HTTPAppConfig struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
}

// LoadHTTPAppConfigFromEnv loads HTTPApp configuration from environment variables.
func LoadHTTPAppConfigFromEnv() HTTPAppConfig {
	return HTTPAppConfig{
		BaseURL:   config.GetEnv("APP_BASE_URL", ""),
		AuthToken: config.GetSecretFile(config.GetEnv("APP_AUTH_TOKEN_FILE", "")),
		Timeout:   config.GetDurationEnv("APP_TIMEOUT", 15*time.Second),
	}
}

// NewHTTPApp builds an HTTPApp sharing one client across jobs.
func NewHTTPApp(cfg HTTPAppConfig) *HTTPApp {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	app := &HTTPApp{
		BaseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		Headers: map[string]string{},
		Client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	if cfg.AuthToken != "" {
		app.Headers["Authorization"] = "Bearer " + cfg.AuthToken
	}
	return app
}

// resolve joins a relative target onto BaseURL.
func (a *HTTPApp) resolve(target string) string {
	if a.BaseURL == "" || strings.Contains(target, "://") {
		return target
	}
	return a.BaseURL + "/" + strings.TrimPrefix(target, "/")
}

// ContainerRunner runs a container to completion.
type ContainerRunner interface {
	Run(ctx context.Context, spec docker.Spec) (*docker.Result, error)
}

// DockerApp is the context for services that run containers.
type DockerApp struct {
	Runner ContainerRunner
}

func (*DockerApp) Class() string { return DockerAppClass }
