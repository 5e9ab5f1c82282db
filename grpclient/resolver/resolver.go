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

package resolver

import (
	"sync"

	"github.com/donnadionne/ringbalance/grpclient/discovery"
	"github.com/donnadionne/ringbalance/grpclient/endpoint"

	"google.golang.org/grpc/resolver"
)

const (
	Scheme = "ringbalance-endpoints"
)

// WeightedResolver is a resolver.Builder and resolver.Resolver in one.
// It carries weighted endpoints into the channel: every address gets
// the ring weight attribute the ring hash policy reads, so weights
// survive from discovery all the way to ring construction. Updated at
// runtime via SetEndpoints.
type WeightedResolver struct {
	mu        sync.Mutex
	endpoints []discovery.Endpoint
	cc        resolver.ClientConn

	// refresh, when set, is invoked whenever the channel asks for
	// re-resolution (the ring hash policy does this on endpoint
	// failures).
	refresh func()
}

func NewWeightedResolver(endpoints []discovery.Endpoint) *WeightedResolver {
	wr := &WeightedResolver{endpoints: endpoints}
	resolver.Register(wr)
	return wr
}

func (r *WeightedResolver) Scheme() string {
	return Scheme
}

// Build returns itself: the resolver is pre-populated, so building only
// pushes the current endpoints into the ClientConn.
func (r *WeightedResolver) Build(target resolver.Target, cc resolver.ClientConn, opts resolver.BuildOptions) (resolver.Resolver, error) {
	r.mu.Lock()
	r.cc = cc
	r.mu.Unlock()
	r.updateState()
	return r, nil
}

// SetEndpoints replaces the endpoint list and pushes the new state.
func (r *WeightedResolver) SetEndpoints(endpoints []discovery.Endpoint) {
	r.mu.Lock()
	r.endpoints = endpoints
	r.mu.Unlock()
	r.updateState()
}

// SetRefreshFunc installs the callback invoked on ResolveNow.
func (r *WeightedResolver) SetRefreshFunc(f func()) {
	r.mu.Lock()
	r.refresh = f
	r.mu.Unlock()
}

func (r *WeightedResolver) updateState() {
	r.mu.Lock()
	cc := r.cc
	endpoints := r.endpoints
	r.mu.Unlock()
	if cc == nil {
		return
	}

	addresses := make([]resolver.Address, len(endpoints))
	for i, ep := range endpoints {
		addr, serverName := endpoint.Interpret(ep.Addr)
		addresses[i] = resolver.Address{
			Addr:       addr,
			ServerName: serverName,
			Attributes: discovery.EndpointToAttrs(ep),
		}
	}
	cc.UpdateState(resolver.State{Addresses: addresses})
}

// ResolveNow re-runs the refresh callback when one is installed;
// otherwise it re-pushes the current snapshot.
func (r *WeightedResolver) ResolveNow(o resolver.ResolveNowOptions) {
	r.mu.Lock()
	refresh := r.refresh
	r.mu.Unlock()
	if refresh != nil {
		refresh()
		return
	}
	r.updateState()
}

func (r *WeightedResolver) Close() {}
