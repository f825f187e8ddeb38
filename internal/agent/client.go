// Package agent is the process that runs inside a worker container and
// dials back to the master once the container is up.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/melih/lighthouse-latent/internal/config"
	"github.com/melih/lighthouse-latent/internal/core/domain"
	"github.com/melih/lighthouse-latent/internal/errdefs"
)

const (
	connectPath     = "/api/v1/agents/connect"
	disconnectPath  = "/api/v1/agents/disconnect"
	applicationJSON = "application/json"
)

type Config struct {
	Master string
	Port   string
	Worker string
	Token  string
}

// ConfigFromEnv reads the variables the master injects into the container.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Master: config.BUILDMASTER.ValueOrDefault(),
		Port:   config.BUILDMASTER_PORT.ValueOrDefault(),
		Worker: config.WORKERNAME.ValueOrDefault(),
		Token:  config.WORKERPASS.ValueOrDefault(),
	}
	if cfg.Master == "" || cfg.Worker == "" || cfg.Token == "" {
		return Config{}, fmt.Errorf("%w: BUILDMASTER, WORKERNAME and WORKERPASS must be set", errdefs.ErrConfig)
	}
	return cfg, nil
}

func (c Config) BaseURL() string {
	if c.Port == "" {
		return "http://" + c.Master
	}
	return "http://" + net.JoinHostPort(c.Master, c.Port)
}

type Client struct {
	cfg    Config
	base   string
	http   *retryablehttp.Client
	logger *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	hc := retryablehttp.NewClient()
	hc.Logger = logger
	hc.RetryMax = 10
	hc.RetryWaitMax = 5 * time.Second
	return &Client{cfg: cfg, base: cfg.BaseURL(), http: hc, logger: logger}
}

type agentRequest struct {
	Worker string `json:"worker"`
	Token  string `json:"token"`
}

func (c *Client) Connect(ctx context.Context) (domain.ConnectionInfo, error) {
	resp, err := c.do(ctx, connectPath)
	if err != nil {
		return domain.ConnectionInfo{}, err
	}
	defer resp.Body.Close()

	var info domain.ConnectionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return domain.ConnectionInfo{}, fmt.Errorf("decode connect response: %w", err)
	}
	return info, nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	resp, err := c.do(ctx, disconnectPath)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Run connects, stays connected until ctx ends, then disconnects.
func (c *Client) Run(ctx context.Context) error {
	info, err := c.Connect(ctx)
	if err != nil {
		return err
	}
	c.logger.Info("connected to master", "master", c.base, "worker", info.Worker)

	<-ctx.Done()

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.Disconnect(dctx); err != nil {
		c.logger.Warn("disconnect failed", "error", err)
		return err
	}
	c.logger.Info("disconnected from master")
	return nil
}

func (c *Client) do(ctx context.Context, path string) (*http.Response, error) {
	data, err := json.Marshal(agentRequest{Worker: c.cfg.Worker, Token: c.cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", applicationJSON)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 == 2 {
		return resp, nil
	}
	defer resp.Body.Close()

	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &body) != nil || body.Error == "" {
		body.Error = string(raw)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrUnauthorizedAgent, body.Error)
	}
	return nil, fmt.Errorf("%s %s: status %d: %s", http.MethodPost, path, resp.StatusCode, body.Error)
}
