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

package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdDiscovery discovers endpoints from a key prefix in etcd. Each key
// under the prefix holds one endpoint, either as an EtcdEndpointValue
// JSON document or as a plain address string.
type EtcdDiscovery struct {
	client    *clientv3.Client
	keyPrefix string
}

// EtcdDiscoveryConfig is the configuration for EtcdDiscovery.
type EtcdDiscoveryConfig struct {
	// Endpoints is the list of etcd endpoints.
	Endpoints []string
	// KeyPrefix is the prefix for service keys (e.g., "/services/myapp/").
	KeyPrefix string
	// DialTimeout is the timeout for connecting to etcd.
	DialTimeout time.Duration
	// Username for etcd authentication (optional).
	Username string
	// Password for etcd authentication (optional).
	Password string
}

func NewEtcdDiscovery(cfg EtcdDiscoveryConfig) (*EtcdDiscovery, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one etcd endpoint is required")
	}
	if cfg.KeyPrefix == "" {
		return nil, fmt.Errorf("key prefix is required")
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}
	etcdCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
	}
	if cfg.Username != "" {
		etcdCfg.Username = cfg.Username
		etcdCfg.Password = cfg.Password
	}

	client, err := clientv3.New(etcdCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %v", err)
	}
	return &EtcdDiscovery{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// EtcdEndpointValue is the JSON document stored per endpoint. Weight is
// a pointer so that an omitted weight (default 1) can be told apart
// from an explicit 0, which marks the endpoint not eligible for the
// ring.
type EtcdEndpointValue struct {
	Addr     string            `json:"addr"`
	Weight   *int32            `json:"weight,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Watch implements Discovery. The etcd watch is recreated with capped
// exponential backoff when it drops.
func (e *EtcdDiscovery) Watch(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 1)

	eps, err := e.GetEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	ch <- Event{Type: EventTypeUpdate, Endpoints: eps}

	go func() {
		defer close(ch)

		var (
			watchCh       clientv3.WatchChan
			retryInterval = time.Second
			maxRetry      = 30 * time.Second
		)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if watchCh == nil {
				watchCh = e.client.Watch(ctx, e.keyPrefix, clientv3.WithPrefix())
			}

			select {
			case <-ctx.Done():
				return
			case resp, ok := <-watchCh:
				if !ok {
					watchCh = nil
					select {
					case ch <- Event{Type: EventTypeError, Err: fmt.Errorf("watch channel closed, reconnecting")}:
					case <-ctx.Done():
						return
					}
					select {
					case <-time.After(retryInterval):
						retryInterval = minDuration(retryInterval*2, maxRetry)
					case <-ctx.Done():
						return
					}
					eps, err := e.GetEndpoints(ctx)
					if err != nil {
						continue
					}
					select {
					case ch <- Event{Type: EventTypeUpdate, Endpoints: eps}:
						retryInterval = time.Second
					case <-ctx.Done():
						return
					}
					continue
				}

				if resp.Err() != nil {
					if resp.Canceled {
						watchCh = nil
					}
					select {
					case ch <- Event{Type: EventTypeError, Err: resp.Err()}:
					case <-ctx.Done():
						return
					}
					if watchCh != nil {
						continue
					}
					select {
					case <-time.After(retryInterval):
						retryInterval = minDuration(retryInterval*2, maxRetry)
					case <-ctx.Done():
						return
					}
					continue
				}
				retryInterval = time.Second

				// Re-fetch the full prefix on any change; simpler and
				// more reliable than incremental updates.
				eps, err := e.GetEndpoints(ctx)
				if err != nil {
					select {
					case ch <- Event{Type: EventTypeError, Err: err}:
					case <-ctx.Done():
						return
					}
					continue
				}
				select {
				case ch <- Event{Type: EventTypeUpdate, Endpoints: eps}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// GetEndpoints implements Discovery.
func (e *EtcdDiscovery) GetEndpoints(ctx context.Context) ([]Endpoint, error) {
	resp, err := e.client.Get(ctx, e.keyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to get endpoints from etcd: %v", err)
	}

	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var val EtcdEndpointValue
		if err := json.Unmarshal(kv.Value, &val); err != nil {
			// Plain address value.
			addr := strings.TrimSpace(string(kv.Value))
			if addr != "" {
				endpoints = append(endpoints, Endpoint{Addr: addr, Weight: 1})
			}
			continue
		}
		if val.Addr == "" {
			continue
		}
		weight := int32(1)
		if val.Weight != nil && *val.Weight >= 0 {
			weight = *val.Weight
		}
		endpoints = append(endpoints, Endpoint{
			Addr:     val.Addr,
			Weight:   weight,
			Metadata: val.Metadata,
		})
	}
	return endpoints, nil
}

// Close implements Discovery.
func (e *EtcdDiscovery) Close() error {
	return e.client.Close()
}

// Register writes an endpoint under the key prefix, with a kept-alive
// lease when ttl > 0. Helper for the server side of discovery.
func (e *EtcdDiscovery) Register(ctx context.Context, endpoint Endpoint, ttl int64) error {
	key := e.keyPrefix + endpoint.Addr
	val := EtcdEndpointValue{
		Addr:     endpoint.Addr,
		Weight:   &endpoint.Weight,
		Metadata: endpoint.Metadata,
	}
	data, err := json.Marshal(val)
	if err != nil {
		return err
	}

	if ttl > 0 {
		leaseResp, err := e.client.Grant(ctx, ttl)
		if err != nil {
			return err
		}
		if _, err := e.client.Put(ctx, key, string(data), clientv3.WithLease(leaseResp.ID)); err != nil {
			return err
		}
		keepAliveCh, err := e.client.KeepAlive(ctx, leaseResp.ID)
		if err != nil {
			return err
		}
		go func() {
			for range keepAliveCh {
			}
		}()
		return nil
	}

	_, err = e.client.Put(ctx, key, string(data))
	return err
}

// Unregister removes an endpoint from etcd.
func (e *EtcdDiscovery) Unregister(ctx context.Context, addr string) error {
	_, err := e.client.Delete(ctx, e.keyPrefix+addr)
	return err
}
