// Telemetry collection: periodic polling of an external GPU monitoring
// service, pushing fresh readings into the registry. Deployments without a
// monitoring service seed the registry statically from configuration.

package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// TelemetryPoller pulls device samples from a monitoring endpoint on a fixed
// interval.
type TelemetryPoller struct {
	url      string
	interval time.Duration
	client   *retryablehttp.Client
	registry *GPURegistry
}

// NewTelemetryPoller builds a poller against cfg.MonitoringURL.
func NewTelemetryPoller(cfg TelemetryConfig, reg *GPURegistry) *TelemetryPoller {
	c := retryablehttp.NewClient()
	c.RetryMax = cfg.RetryMax
	c.Logger = nil
	c.HTTPClient.Timeout = 10 * time.Second
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &TelemetryPoller{
		url:      strings.TrimRight(cfg.MonitoringURL, "/"),
		interval: interval,
		client:   c,
		registry: reg,
	}
}

// Run polls until ctx is cancelled. An initial poll happens immediately so
// the registry is populated before the first tick.
func (p *TelemetryPoller) Run(ctx context.Context) {
	if err := p.Poll(ctx); err != nil {
		logrus.Warnf("telemetry poll: %v", err)
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil {
				logrus.Warnf("telemetry poll: %v", err)
			}
		}
	}
}

// Poll fetches one round of samples and applies them to the registry.
// A failed poll leaves the registry's last readings in place.
func (p *TelemetryPoller) Poll(ctx context.Context) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", p.url+"/gpus", nil)
	if err != nil {
		return fmt.Errorf("building telemetry request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching gpu telemetry: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode != 200 {
		return fmt.Errorf("gpu telemetry endpoint returned %s", resp.Status)
	}

	var payload struct {
		GPUs []TelemetryReading `json:"gpus"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decoding gpu telemetry: %w", err)
	}
	for _, reading := range payload.GPUs {
		p.registry.UpdateTelemetry(reading)
	}
	logrus.Debugf("telemetry poll applied %d gpu samples", len(payload.GPUs))
	return nil
}

// SeedGPUs populates the registry from static configuration, for deployments
// without a monitoring service. Seeded devices start healthy and idle.
func SeedGPUs(reg *GPURegistry, seeds []GPUSeed) {
	for _, s := range seeds {
		reg.UpdateTelemetry(TelemetryReading{
			GPUID:         s.ID,
			Name:          s.Name,
			MemoryTotalMB: s.MemoryTotalMB,
			Status:        HealthHealthy,
		})
	}
}
