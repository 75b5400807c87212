// Package webhook implements the Webhook Delivery Engine: fan-out from
// a transaction event into one Delivery row per matching subscription,
// a per-delivery dispatch worker that signs and POSTs the payload,
// jittered-exponential-backoff retry scheduling, a hang sweep, and a
// cleanup sweep. Grounded on outpost's
// internal/destregistry/providers/destwebhook HTTP dispatch helpers,
// generalized from a single-attempt "execute and classify" helper into
// the full retry/backoff state machine this delivery engine needs.
package webhook

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"
)

// ClientConfig carries the HTTP client's connection-pool tunables.
type ClientConfig struct {
	ConnectTimeout     time.Duration
	ReadTimeout        time.Duration
	AcquireTimeout     time.Duration
	MaxTotalConns      int
	MaxConnsPerRoute   int
	IdleEvictionPeriod time.Duration
	KeepAlive          time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ConnectTimeout:     5 * time.Second,
		ReadTimeout:        10 * time.Second,
		AcquireTimeout:     2 * time.Second,
		MaxTotalConns:      100,
		MaxConnsPerRoute:   20,
		IdleEvictionPeriod: 60 * time.Second,
		KeepAlive:          30 * time.Second,
	}
}

// PooledClient bounds total in-flight dispatches with a weighted
// semaphore on top of the transport's own per-host connection limit,
// so a burst of deliveries queues for a connection slot instead of
// opening unbounded sockets.
type PooledClient struct {
	http *http.Client
	sem  *semaphore.Weighted
	cfg  ClientConfig
}

func NewPooledClient(cfg ClientConfig) *PooledClient {
	transport := &http.Transport{
		MaxConnsPerHost:       cfg.MaxConnsPerRoute,
		MaxIdleConnsPerHost:   cfg.MaxConnsPerRoute,
		IdleConnTimeout:       cfg.IdleEvictionPeriod,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: cfg.KeepAlive,
		}).DialContext,
	}
	return &PooledClient{
		http: &http.Client{Transport: transport, Timeout: cfg.ConnectTimeout + cfg.ReadTimeout},
		sem:  semaphore.NewWeighted(int64(cfg.MaxTotalConns)),
		cfg:  cfg,
	}
}

// Do acquires a pool slot (bounded by AcquireTimeout), executes req, and
// returns the response with its body already drained into bytes so the
// caller never has to remember to close it.
func (c *PooledClient) Do(ctx context.Context, req *http.Request) (statusCode int, body []byte, err error) {
	acquireCtx, cancel := context.WithTimeout(ctx, c.cfg.AcquireTimeout)
	defer cancel()
	if err := c.sem.Acquire(acquireCtx, 1); err != nil {
		return 0, nil, fmt.Errorf("acquiring connection pool slot: %w", err)
	}
	defer c.sem.Release(1)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxReadBytes)
	b, err := io.ReadAll(limited)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response body: %w", err)
	}
	return resp.StatusCode, b, nil
}

// maxReadBytes bounds how much of an oversized response body is read
// into memory; only the first models.MaxResponseBodyBytes are ever
// persisted, so there is no reason to buffer more than a small multiple
// of that.
const maxReadBytes = 64 * 1024
