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

// Package discovery provides service discovery interfaces and
// implementations feeding weighted endpoints into the ring hash
// balanced client.
package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/donnadionne/ringbalance/grpclient/ringhash"

	"google.golang.org/grpc/attributes"
)

// Endpoint is one backend as seen by service discovery. Weight is the
// ring weight: 1 when the registry does not carry one, 0 when the
// backend is registered but not eligible for traffic. The discovery
// layer only transports weight 0; excluding such endpoints from the
// ring is the balancing policy's decision.
type Endpoint struct {
	// Addr is the address of the endpoint (e.g., "192.168.1.1:8080").
	Addr string `json:"addr"`
	// Weight is the ring weight of the endpoint.
	Weight int32 `json:"weight,omitempty"`
	// Metadata contains additional endpoint metadata.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Event represents a service discovery event.
type Event struct {
	// Type is the type of event.
	Type EventType
	// Endpoints is the list of endpoints after this event.
	Endpoints []Endpoint
	// Err contains the error if Type is EventTypeError.
	Err error
}

// EventType represents the type of service discovery event.
type EventType int

const (
	// EventTypeUpdate indicates endpoints have been updated.
	EventTypeUpdate EventType = iota
	// EventTypeError indicates an error occurred.
	EventTypeError
)

func (t EventType) String() string {
	switch t {
	case EventTypeUpdate:
		return "Update"
	case EventTypeError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Discovery is the interface for service discovery. Implement this to
// integrate with registries such as etcd, Consul, Nacos or Kubernetes.
type Discovery interface {
	// Watch starts watching for endpoint changes and sends events to the
	// channel. The channel is closed when the context is canceled or an
	// unrecoverable error occurs.
	Watch(ctx context.Context) (<-chan Event, error)

	// GetEndpoints returns the current list of endpoints.
	GetEndpoints(ctx context.Context) ([]Endpoint, error)

	// Close closes the discovery client and releases resources.
	Close() error
}

// DiscoveryFunc adapts a plain lookup function to the Discovery
// interface. It does not support watching; wrap it in a
// PollingDiscovery for that.
type DiscoveryFunc func(ctx context.Context) ([]Endpoint, error)

func (f DiscoveryFunc) Watch(ctx context.Context) (<-chan Event, error) {
	return nil, nil
}

func (f DiscoveryFunc) GetEndpoints(ctx context.Context) ([]Endpoint, error) {
	return f(ctx)
}

func (f DiscoveryFunc) Close() error {
	return nil
}

// PollingDiscovery wraps a Discovery implementation with polling-based
// watching, for registries without native watch support.
type PollingDiscovery struct {
	discovery Discovery
	interval  time.Duration
	mu        sync.RWMutex
	lastEps   []Endpoint
}

func NewPollingDiscovery(discovery Discovery, interval time.Duration) *PollingDiscovery {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &PollingDiscovery{
		discovery: discovery,
		interval:  interval,
	}
}

func (p *PollingDiscovery) Watch(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 1)

	eps, err := p.discovery.GetEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.lastEps = eps
	p.mu.Unlock()
	ch <- Event{Type: EventTypeUpdate, Endpoints: eps}

	go func() {
		defer close(ch)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				eps, err := p.discovery.GetEndpoints(ctx)
				if err != nil {
					select {
					case ch <- Event{Type: EventTypeError, Err: err}:
					case <-ctx.Done():
						return
					}
					continue
				}
				if !p.hasChanged(eps) {
					continue
				}
				p.mu.Lock()
				p.lastEps = eps
				p.mu.Unlock()
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

func (p *PollingDiscovery) hasChanged(newEps []Endpoint) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(newEps) != len(p.lastEps) {
		return true
	}
	oldMap := make(map[string]Endpoint, len(p.lastEps))
	for _, ep := range p.lastEps {
		oldMap[ep.Addr] = ep
	}
	for _, ep := range newEps {
		old, ok := oldMap[ep.Addr]
		if !ok || old.Weight != ep.Weight {
			return true
		}
	}
	return false
}

func (p *PollingDiscovery) GetEndpoints(ctx context.Context) ([]Endpoint, error) {
	return p.discovery.GetEndpoints(ctx)
}

func (p *PollingDiscovery) Close() error {
	return p.discovery.Close()
}

// StaticDiscovery serves a fixed endpoint list. Returned slices are
// snapshots; callers may mutate them freely.
type StaticDiscovery struct {
	mu        sync.RWMutex
	endpoints []Endpoint
}

func NewStaticDiscovery(addrs []string) *StaticDiscovery {
	eps := make([]Endpoint, len(addrs))
	for i, addr := range addrs {
		eps[i] = Endpoint{Addr: addr, Weight: 1}
	}
	return &StaticDiscovery{endpoints: eps}
}

func NewStaticDiscoveryWithEndpoints(endpoints []Endpoint) *StaticDiscovery {
	return &StaticDiscovery{endpoints: cloneEndpoints(endpoints)}
}

func (s *StaticDiscovery) Watch(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 1)
	s.mu.RLock()
	snap := cloneEndpoints(s.endpoints)
	s.mu.RUnlock()
	ch <- Event{Type: EventTypeUpdate, Endpoints: snap}
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (s *StaticDiscovery) GetEndpoints(ctx context.Context) ([]Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneEndpoints(s.endpoints), nil
}

func (s *StaticDiscovery) Close() error {
	return nil
}

// UpdateEndpoints replaces the endpoint list (mainly for tests).
func (s *StaticDiscovery) UpdateEndpoints(endpoints []Endpoint) {
	s.mu.Lock()
	s.endpoints = cloneEndpoints(endpoints)
	s.mu.Unlock()
}

func cloneEndpoints(endpoints []Endpoint) []Endpoint {
	if len(endpoints) == 0 {
		return nil
	}
	out := make([]Endpoint, len(endpoints))
	copy(out, endpoints)
	for i := range out {
		if out[i].Metadata == nil {
			continue
		}
		m2 := make(map[string]string, len(out[i].Metadata))
		for k, v := range out[i].Metadata {
			m2[k] = v
		}
		out[i].Metadata = m2
	}
	return out
}

// EndpointToAttrs converts an Endpoint into address attributes: the
// ring weight under ringhash.WeightAttributeKey plus one string
// attribute per metadata entry. User metadata cannot override the
// weight key.
func EndpointToAttrs(ep Endpoint) *attributes.Attributes {
	attrs := attributes.New(ringhash.WeightAttributeKey, ep.Weight)
	for k, v := range ep.Metadata {
		if k == ringhash.WeightAttributeKey {
			continue
		}
		attrs = attrs.WithValue(k, v)
	}
	return attrs
}

// EndpointsToAddrs extracts the plain addresses from endpoints.
func EndpointsToAddrs(endpoints []Endpoint) []string {
	addrs := make([]string, len(endpoints))
	for i, ep := range endpoints {
		addrs[i] = ep.Addr
	}
	return addrs
}
