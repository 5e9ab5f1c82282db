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
	"fmt"
	"strconv"
	"sync"

	"github.com/hashicorp/consul/api"
)

// ConsulWeightMetaKey is the Consul service-meta key carrying the ring
// weight of an instance, as a decimal integer. Absent means weight 1;
// "0" registers the instance as not eligible for traffic.
const ConsulWeightMetaKey = "ring_weight"

// ConsulDiscovery discovers endpoints through Consul health-service
// blocking queries.
type ConsulDiscovery struct {
	client      *api.Client
	serviceName string
	tags        []string
	passingOnly bool
	mu          sync.RWMutex
	lastIndex   uint64
}

// ConsulDiscoveryConfig is the configuration for ConsulDiscovery.
type ConsulDiscoveryConfig struct {
	// Address is the Consul agent address (e.g., "127.0.0.1:8500").
	Address string
	// ServiceName is the name of the service to discover.
	ServiceName string
	// Tags are optional tags to filter services.
	Tags []string
	// PassingOnly if true, only returns healthy services.
	PassingOnly bool
	// Token is the ACL token (optional).
	Token string
	// Datacenter is the datacenter to query (optional).
	Datacenter string
}

func NewConsulDiscovery(cfg ConsulDiscoveryConfig) (*ConsulDiscovery, error) {
	if cfg.ServiceName == "" {
		return nil, fmt.Errorf("service name is required")
	}

	consulCfg := api.DefaultConfig()
	if cfg.Address != "" {
		consulCfg.Address = cfg.Address
	}
	if cfg.Token != "" {
		consulCfg.Token = cfg.Token
	}
	if cfg.Datacenter != "" {
		consulCfg.Datacenter = cfg.Datacenter
	}

	client, err := api.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %v", err)
	}
	return &ConsulDiscovery{
		client:      client,
		serviceName: cfg.ServiceName,
		tags:        cfg.Tags,
		passingOnly: cfg.PassingOnly,
	}, nil
}

// Watch implements Discovery using Consul blocking queries.
func (c *ConsulDiscovery) Watch(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 1)

	eps, err := c.GetEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	ch <- Event{Type: EventTypeUpdate, Endpoints: eps}

	go func() {
		defer close(ch)

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			c.mu.RLock()
			lastIndex := c.lastIndex
			c.mu.RUnlock()

			services, meta, err := c.queryServices(ctx, &api.QueryOptions{
				WaitIndex: lastIndex,
				WaitTime:  api.DefaultConfig().WaitTime,
			})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case ch <- Event{Type: EventTypeError, Err: err}:
				case <-ctx.Done():
					return
				}
				continue
			}

			if meta.LastIndex <= lastIndex {
				continue
			}
			c.mu.Lock()
			c.lastIndex = meta.LastIndex
			c.mu.Unlock()

			select {
			case ch <- Event{Type: EventTypeUpdate, Endpoints: c.parseServices(services)}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

func (c *ConsulDiscovery) queryServices(ctx context.Context, opts *api.QueryOptions) ([]*api.ServiceEntry, *api.QueryMeta, error) {
	if len(c.tags) > 0 {
		return c.client.Health().ServiceMultipleTags(c.serviceName, c.tags, c.passingOnly, opts.WithContext(ctx))
	}
	return c.client.Health().Service(c.serviceName, "", c.passingOnly, opts.WithContext(ctx))
}

// GetEndpoints implements Discovery.
func (c *ConsulDiscovery) GetEndpoints(ctx context.Context) ([]Endpoint, error) {
	services, meta, err := c.queryServices(ctx, &api.QueryOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get services from consul: %v", err)
	}

	c.mu.Lock()
	c.lastIndex = meta.LastIndex
	c.mu.Unlock()

	return c.parseServices(services), nil
}

func (c *ConsulDiscovery) parseServices(services []*api.ServiceEntry) []Endpoint {
	endpoints := make([]Endpoint, 0, len(services))
	for _, svc := range services {
		addr := svc.Service.Address
		if addr == "" {
			addr = svc.Node.Address
		}
		ep := Endpoint{
			Addr:     fmt.Sprintf("%s:%d", addr, svc.Service.Port),
			Weight:   1,
			Metadata: make(map[string]string),
		}
		if weightStr, ok := svc.Service.Meta[ConsulWeightMetaKey]; ok {
			if w, err := strconv.ParseInt(weightStr, 10, 32); err == nil && w >= 0 {
				ep.Weight = int32(w)
			}
		}
		for k, v := range svc.Service.Meta {
			if k == ConsulWeightMetaKey {
				continue
			}
			ep.Metadata[k] = v
		}
		ep.Metadata["node"] = svc.Node.Node
		ep.Metadata["datacenter"] = svc.Node.Datacenter

		endpoints = append(endpoints, ep)
	}
	return endpoints
}

// Close implements Discovery. The Consul client has no resources that
// need explicit closing.
func (c *ConsulDiscovery) Close() error {
	return nil
}

// Register registers a service instance with Consul. Helper for the
// server side of discovery.
func (c *ConsulDiscovery) Register(ctx context.Context, id, addr string, port int, meta map[string]string, ttl string) error {
	registration := &api.AgentServiceRegistration{
		ID:      id,
		Name:    c.serviceName,
		Address: addr,
		Port:    port,
		Tags:    c.tags,
		Meta:    meta,
	}
	if ttl != "" {
		registration.Check = &api.AgentServiceCheck{
			TTL:                            ttl,
			DeregisterCriticalServiceAfter: "1m",
		}
	}
	return c.client.Agent().ServiceRegister(registration)
}

// Unregister removes a service instance from Consul.
func (c *ConsulDiscovery) Unregister(ctx context.Context, id string) error {
	return c.client.Agent().ServiceDeregister(id)
}

// PassTTL updates the TTL check to passing state.
func (c *ConsulDiscovery) PassTTL(checkID string, note string) error {
	return c.client.Agent().PassTTL(checkID, note)
}
