package influxdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/config"
)

const (
	startupPingTimeout = 10 * time.Second
	healthPingTimeout  = 5 * time.Second

	// Telemetry arrives in bursts of IMU samples; a hundred points or ten
	// seconds, whichever comes first, keeps the write rate low.
	defaultBatchSize     = 100
	defaultFlushInterval = 10 // seconds
)

// Client records node telemetry history in an InfluxDB v2 bucket.
//
// Writes never block the event worker: points are buffered and sent in
// batches, and failures surface later through the SetOnError callback.
// All methods are safe for concurrent use.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	cfg      config.InfluxDBConfig

	mu        sync.RWMutex
	connected bool
	onError   func(err error)
}

// Connect pings the server and opens the batching write API for the
// configured org and bucket.
//
// Parameters:
//   - ctx: bounds the startup ping
//   - cfg: influxdb section of the gateway config
//
// Returns:
//   - *Client: ready to accept node metrics
//   - error: ErrDisabled when turned off, ErrConnectionFailed when the
//     server cannot be reached or reports itself unhealthy
func Connect(ctx context.Context, cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, batchOptions(cfg))

	pingCtx, cancel := context.WithTimeout(ctx, startupPingTimeout)
	defer cancel()

	if err := ping(pingCtx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, cfg.URL, err)
	}

	c := &Client{
		client:    client,
		writeAPI:  client.WriteAPI(cfg.Org, cfg.Bucket),
		cfg:       cfg,
		connected: true,
	}
	go c.forwardWriteErrors(c.writeAPI.Errors())

	return c, nil
}

// batchOptions applies the configured batch size and flush interval,
// falling back to the defaults for unset values.
func batchOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	size := cfg.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = defaultFlushInterval
	}

	// #nosec G115 -- both values are positive here
	return influxdb2.DefaultOptions().
		SetBatchSize(uint(size)).
		SetFlushInterval(uint(time.Duration(flush) * time.Second / time.Millisecond))
}

var errServerUnhealthy = errors.New("server reports unhealthy")

func ping(ctx context.Context, client influxdb2.Client) error {
	healthy, err := client.Ping(ctx)
	if err != nil {
		return err
	}
	if !healthy {
		return errServerUnhealthy
	}
	return nil
}

// forwardWriteErrors hands batch failures to the registered callback.
// It exits when the write API closes its error channel.
func (c *Client) forwardWriteErrors(errs <-chan error) {
	for err := range errs {
		c.mu.RLock()
		callback := c.onError
		c.mu.RUnlock()

		if callback != nil {
			callback(err)
		}
	}
}

// Close flushes buffered telemetry and releases the client.
// Safe on a nil client and safe to call twice.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}

	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	if wasConnected {
		c.writeAPI.Flush()
		c.client.Close()
	}
	return nil
}

// HealthCheck pings the server; used by the status API and startup checks.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthPingTimeout)
	defer cancel()

	if err := ping(checkCtx, c.client); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	return nil
}

// IsConnected reports whether Close has not yet been called.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// SetOnError registers the callback for failed batch writes.
func (c *Client) SetOnError(callback func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = callback
}

// Flush blocks until buffered points are written. No-op after Close.
func (c *Client) Flush() {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.Flush()
}
