// Copyright 2021 The etcd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package grpclient dials gRPC connections balanced by the
// ring_hash_experimental policy: calls carrying the same request key
// stick to the same backend while membership is stable.
package grpclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/donnadionne/ringbalance/grpclient/discovery"
	"github.com/donnadionne/ringbalance/grpclient/logger"
	"github.com/donnadionne/ringbalance/grpclient/resolver"
	"github.com/donnadionne/ringbalance/grpclient/ringhash"

	"github.com/cespare/xxhash/v2"
	grpc_retry "github.com/grpc-ecosystem/go-grpc-middleware/retry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// Client manages a ring-hash balanced client connection.
type Client struct {
	conn *grpc.ClientConn

	cfg      Config
	resolver *resolver.WeightedResolver
	mu       *sync.RWMutex

	// refreshCh coalesces re-resolution requests from the channel into
	// single discovery lookups performed by refreshLoop.
	refreshCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	callOpts []grpc.CallOption
	logger   logger.Logger
}

func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	log := cfg.Logger
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	ringhash.Register(log)

	svcConfig, err := ringhash.ServiceConfig(cfg.MinRingSize, cfg.MaxRingSize)
	if err != nil {
		return nil, err
	}

	baseCtx := context.TODO()
	if cfg.Context != nil {
		baseCtx = cfg.Context
	}

	ctx, cancel := context.WithCancel(baseCtx)
	client := &Client{
		conn:     nil,
		cfg:      *cfg,
		ctx:      ctx,
		cancel:   cancel,
		mu:       new(sync.RWMutex),
		callOpts: defaultCallOpts,
		logger:   log,
	}

	if cfg.MaxCallSendMsgSize > 0 || cfg.MaxCallRecvMsgSize > 0 {
		if cfg.MaxCallRecvMsgSize > 0 && cfg.MaxCallSendMsgSize > cfg.MaxCallRecvMsgSize {
			client.cancel()
			return nil, fmt.Errorf("gRPC message recv limit (%d bytes) must not be less than send limit (%d bytes)", cfg.MaxCallRecvMsgSize, cfg.MaxCallSendMsgSize)
		}
		callOpts := []grpc.CallOption{
			defaultWaitForReady,
			defaultMaxCallSendMsgSize,
			defaultMaxCallRecvMsgSize,
		}
		if cfg.MaxCallSendMsgSize > 0 {
			callOpts[1] = grpc.MaxCallSendMsgSize(cfg.MaxCallSendMsgSize)
		}
		if cfg.MaxCallRecvMsgSize > 0 {
			callOpts[2] = grpc.MaxCallRecvMsgSize(cfg.MaxCallRecvMsgSize)
		}
		client.callOpts = callOpts
	}

	endpoints := cfg.Endpoints
	if cfg.Discovery != nil {
		eps, err := cfg.Discovery.GetEndpoints(ctx)
		if err != nil {
			client.cancel()
			return nil, fmt.Errorf("initial discovery failed: %v", err)
		}
		endpoints = eps
	}
	if len(endpoints) < 1 {
		client.cancel()
		return nil, fmt.Errorf("at least one endpoint is required in client config")
	}

	client.resolver = resolver.NewWeightedResolver(endpoints)

	if cfg.Discovery != nil {
		// Re-resolution requests from the ring hash policy (it asks for
		// one whenever an endpoint fails) trigger a fresh discovery
		// lookup instead of a re-announcement of the cached snapshot.
		client.refreshCh = make(chan struct{}, 1)
		client.resolver.SetRefreshFunc(client.requestRefresh)
		go client.refreshLoop()
	}

	conn, err := client.dialWithBalancer(svcConfig)
	if err != nil {
		client.cancel()
		client.resolver.Close()
		return nil, fmt.Errorf("dialing [%s] failed: %v", strings.Join(discovery.EndpointsToAddrs(endpoints), ";"), err)
	}
	client.conn = conn

	if cfg.Discovery != nil {
		if err := client.watchDiscovery(); err != nil {
			client.Close()
			return nil, err
		}
	}

	return client, nil
}

// Close shuts down the client's connection and stops discovery.
func (c *Client) Close() error {
	c.cancel()
	if c.conn != nil {
		return toErr(c.ctx, c.conn.Close())
	}
	return c.ctx.Err()
}

func (c *Client) GetCallOpts() []grpc.CallOption {
	return c.callOpts
}

// Ctx is a context for "out of band" messages. It is canceled on client
// Close().
func (c *Client) Ctx() context.Context { return c.ctx }

// ActiveConnection returns the current in-use connection.
func (c *Client) ActiveConnection() *grpc.ClientConn { return c.conn }

// Endpoints lists the current endpoints of the client.
func (c *Client) Endpoints() []discovery.Endpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	eps := make([]discovery.Endpoint, len(c.cfg.Endpoints))
	copy(eps, c.cfg.Endpoints)
	return eps
}

// SetEndpoints updates the client's weighted endpoints.
func (c *Client) SetEndpoints(eps []discovery.Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Endpoints = eps
	c.resolver.SetEndpoints(eps)
}

// RequestHashCtx returns a context routing the call to the ring
// position of key: calls with equal keys land on the same backend while
// membership is stable.
func (c *Client) RequestHashCtx(ctx context.Context, key string) context.Context {
	return ringhash.SetRequestHash(ctx, xxhash.Sum64String(key))
}

// requestRefresh queues a discovery refresh. Non-blocking: a pending
// trigger already covers any number of requests behind it.
func (c *Client) requestRefresh() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// refreshLoop re-queries discovery once per queued trigger and pushes
// the result into the resolver, until the client context is canceled.
func (c *Client) refreshLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.refreshCh:
		}
		eps, err := c.cfg.Discovery.GetEndpoints(c.ctx)
		if err != nil {
			c.logger.Warnf("discovery refresh failed: %v", err)
			continue
		}
		c.logger.Debugf("discovery refresh: %d endpoints", len(eps))
		c.SetEndpoints(eps)
	}
}

// watchDiscovery feeds discovery events into the resolver until the
// client context is canceled.
func (c *Client) watchDiscovery() error {
	d := c.cfg.Discovery
	ch, err := d.Watch(c.ctx)
	if err != nil {
		return fmt.Errorf("discovery watch failed: %v", err)
	}
	if ch == nil {
		// No native watching; fall back to polling.
		pd := discovery.NewPollingDiscovery(d, c.cfg.DiscoveryPollInterval)
		ch, err = pd.Watch(c.ctx)
		if err != nil {
			return fmt.Errorf("discovery watch failed: %v", err)
		}
	}

	go func() {
		for ev := range ch {
			switch ev.Type {
			case discovery.EventTypeError:
				c.logger.Warnf("discovery error: %v", ev.Err)
			case discovery.EventTypeUpdate:
				c.logger.Infof("discovery update: %d endpoints", len(ev.Endpoints))
				c.SetEndpoints(ev.Endpoints)
				if c.cfg.OnEndpointsUpdate != nil {
					c.cfg.OnEndpointsUpdate(ev.Endpoints)
				}
			}
		}
	}()
	return nil
}

// dialSetupOpts gives the dial opts prior to any authentication.
func (c *Client) dialSetupOpts(svcConfig string) []grpc.DialOption {
	var opts []grpc.DialOption
	if c.cfg.DialKeepAliveTime > 0 {
		params := keepalive.ClientParameters{
			Time:                c.cfg.DialKeepAliveTime,
			Timeout:             c.cfg.DialKeepAliveTimeout,
			PermitWithoutStream: c.cfg.PermitWithoutStream,
		}
		opts = append(opts, grpc.WithKeepaliveParams(params))
	}
	opts = append(opts,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithInitialWindowSize(65536*100), // 100*64K
		grpc.WithDefaultServiceConfig(svcConfig),
	)

	retryOpts := []grpc_retry.CallOption{
		grpc_retry.WithMax(defaultUnaryMaxRetries),
		grpc_retry.WithBackoff(grpc_retry.BackoffExponential(defaultBackoffWaitBetween)),
		grpc_retry.WithCodes(codes.Canceled, codes.Internal, codes.Unavailable),
	}
	opts = append(opts,
		// Stream retry is not supported by go-grpc-middleware/retry for
		// client streams, so only unary calls are retried.
		grpc.WithUnaryInterceptor(grpc_retry.UnaryClientInterceptor(retryOpts...)),
	)

	return opts
}

// dialWithBalancer dials the client's current load balanced resolver group.
func (c *Client) dialWithBalancer(svcConfig string) (*grpc.ClientConn, error) {
	opts := c.dialSetupOpts(svcConfig)
	opts = append(opts, grpc.WithResolvers(c.resolver))
	opts = append(opts, c.cfg.DialOptions...)

	dctx := c.ctx
	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(c.ctx, c.cfg.DialTimeout)
		defer cancel()
		// With a dial timeout the caller wants the connection up before
		// NewClient returns.
		opts = append(opts, grpc.WithBlock())
	}

	target := fmt.Sprintf("%s://%p/", resolver.Scheme, c)
	conn, err := grpc.DialContext(dctx, target, opts...)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func toErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ev, ok := status.FromError(err); ok {
		code := ev.Code()
		switch code {
		case codes.DeadlineExceeded:
			fallthrough
		case codes.Canceled:
			if ctx.Err() != nil {
				err = ctx.Err()
			}
		}
	}
	return err
}

// IsConnCanceled returns true if the error is from a closed gRPC
// connection. ref. https://github.com/grpc/grpc-go/pull/1854
func IsConnCanceled(err error) bool {
	if err == nil {
		return false
	}
	s, ok := status.FromError(err)
	if ok {
		// connection is canceled or server has already closed the connection
		return s.Code() == codes.Canceled || s.Message() == "transport is closing"
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return strings.Contains(err.Error(), "grpc: the client connection is closing")
}
