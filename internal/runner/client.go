// Package runner implements the runner-node side of multi-node routing: a
// background client that registers this node with a coordinator and sends
// periodic heartbeats carrying its current load. The runner's actual
// session work is served by the same internal/server handlers the solo
// node uses, mounted under internal-secret auth instead of a tenant
// bearer key.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ash-run/ash/internal/pool"
)

// registerRequest is the body of POST /api/internal/runners/register.
type registerRequest struct {
	RunnerID     string `json:"runnerId"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	MaxSandboxes int    `json:"maxSandboxes"`
}

// heartbeatRequest is the body of POST /api/internal/runners/:id/heartbeat.
type heartbeatRequest struct {
	ActiveCount  int `json:"activeCount"`
	WarmingCount int `json:"warmingCount"`
}

// Client registers this runner with its coordinator and keeps it alive
// with periodic heartbeats reporting load pulled from the local Pool.
type Client struct {
	coordinatorURL string
	internalSecret string
	runnerID       string
	host           string
	port           int
	maxSandboxes   int
	pool           *pool.Pool
	httpClient     *http.Client

	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// Config bounds one Client's registration identity and cadence.
type Config struct {
	CoordinatorURL string
	InternalSecret string
	RunnerID       string
	Host           string
	Port           int
	MaxSandboxes   int
	Interval       time.Duration // heartbeat cadence; defaults to 10s
}

// New builds a heartbeat Client for the given Pool.
func New(cfg Config, p *pool.Pool) *Client {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Client{
		coordinatorURL: cfg.CoordinatorURL,
		internalSecret: cfg.InternalSecret,
		runnerID:       cfg.RunnerID,
		host:           cfg.Host,
		port:           cfg.Port,
		maxSandboxes:   cfg.MaxSandboxes,
		pool:           p,
		httpClient:     &http.Client{Timeout: 10 * time.Second},
		interval:       interval,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Start registers once, then heartbeats on Interval until Stop is called.
// Registration failures are retried on the same cadence rather than
// treated as fatal — a coordinator that starts after its runners must
// still converge.
func (c *Client) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		registered := true
		if err := c.register(ctx); err != nil {
			registered = false
			log.Warn().Err(err).Msg("runner: initial registration failed, will retry on heartbeat cadence")
		}
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				if !registered {
					registered = c.register(ctx) == nil
					continue
				}
				if err := c.heartbeat(ctx); err != nil {
					log.Warn().Err(err).Msg("runner: heartbeat failed, retrying registration")
					registered = c.register(ctx) == nil
				}
			}
		}
	}()
}

// Stop signals the heartbeat loop to exit and waits for it to finish. It
// does not deregister: a clean exit lets the coordinator's own failure
// detector reclaim the slot once heartbeats stop, matching a crash's
// behavior rather than special-casing graceful shutdown.
func (c *Client) Stop() {
	close(c.stop)
	<-c.done
}

func (c *Client) register(ctx context.Context) error {
	body, _ := json.Marshal(registerRequest{
		RunnerID:     c.runnerID,
		Host:         c.host,
		Port:         c.port,
		MaxSandboxes: c.maxSandboxes,
	})
	return c.post(ctx, "/api/internal/runners/register", body)
}

func (c *Client) heartbeat(ctx context.Context) error {
	stats := c.pool.Stats()
	body, _ := json.Marshal(heartbeatRequest{
		ActiveCount:  stats.Running + stats.Waiting,
		WarmingCount: stats.Warming,
	})
	return c.post(ctx, fmt.Sprintf("/api/internal/runners/%s/heartbeat", c.runnerID), body)
}

func (c *Client) post(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.coordinatorURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Secret", c.internalSecret)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("runner: %s returned %d", path, resp.StatusCode)
	}
	return nil
}
