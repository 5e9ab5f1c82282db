/*
 *
 * Copyright 2021 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package ringhash implements the ring_hash_experimental load balancing
// policy: a weighted consistent-hash ring over the resolved endpoints.
// Calls carrying the same request hash land on the same backend while
// membership is stable, and only a weight-proportional fraction of keys
// remaps when membership changes.
package ringhash

import (
	"encoding/json"
	"fmt"

	"github.com/donnadionne/ringbalance/grpclient/logger"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/resolver"
	"google.golang.org/grpc/serviceconfig"
	"google.golang.org/grpc/status"
)

// Register registers the ring hash balancer builder with gRPC. Must be
// called before dialing with this policy.
func Register(log logger.Logger) {
	balancer.Register(&ringHashBuilder{logger: log})
}

type ringHashBuilder struct {
	logger logger.Logger
}

func (rb *ringHashBuilder) Build(cc balancer.ClientConn, opts balancer.BuildOptions) balancer.Balancer {
	log := rb.logger
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	b := &ringhashBalancer{
		cc:         cc,
		logger:     log,
		serializer: &serializer{},
	}
	log.Debugf("ringhash: balancer created")
	return b
}

func (rb *ringHashBuilder) Name() string {
	return BalanceName
}

func (rb *ringHashBuilder) ParseConfig(js json.RawMessage) (serviceconfig.LoadBalancingConfig, error) {
	return parseConfig(js)
}

// ringhashBalancer is the policy controller. It owns the current
// endpoint set and picker; every mutation runs on the serializer, so
// resolver updates, subconn state callbacks, data-plane-scheduled
// connection attempts, and shutdown never interleave.
type ringhashBalancer struct {
	cc         balancer.ClientConn
	logger     logger.Logger
	serializer *serializer

	config       *LBConfig
	set          *endpointSet
	shuttingDown bool

	resolverErr error // last resolver error, cleared on successful resolution
	connErr     error // last connection error, cleared when a state callback aggregates to Ready
}

func (b *ringhashBalancer) UpdateClientConnState(ccs balancer.ClientConnState) error {
	cfg := &LBConfig{MinRingSize: defaultMinRingSize, MaxRingSize: defaultMaxRingSize}
	if ccs.BalancerConfig != nil {
		parsed, ok := ccs.BalancerConfig.(*LBConfig)
		if !ok {
			return fmt.Errorf("ringhash: unexpected LB config type %T", ccs.BalancerConfig)
		}
		cfg = parsed
	}

	// Weight 0 is a valid signal from the resolver meaning "not
	// eligible"; such addresses never reach the ring.
	addrs := make([]resolver.Address, 0, len(ccs.ResolverState.Addresses))
	for _, a := range ccs.ResolverState.Addresses {
		if a.Attributes != nil {
			if w, ok := a.Attributes.Value(WeightAttributeKey).(int32); ok && w == 0 {
				continue
			}
		}
		addrs = append(addrs, a)
	}
	b.logger.Debugf("ringhash: received update with %d addresses (%d eligible)", len(ccs.ResolverState.Addresses), len(addrs))

	b.serializer.schedule(func() {
		if b.shuttingDown {
			return
		}
		b.config = cfg
		b.resolverErr = nil
		if b.set != nil {
			b.set.shutdown()
		}
		b.set = newEndpointSet(b, addrs)
		if len(b.set.eps) == 0 {
			err := status.Error(codes.Unavailable, "Empty update")
			b.cc.UpdateState(balancer.State{
				ConnectivityState: connectivity.TransientFailure,
				Picker:            NewErrPicker(err),
			})
			return
		}
		// Publish the initial ring picker eagerly while every endpoint
		// is still IDLE: the channel must not stall waiting for a dial,
		// because ring hash has no a-priori backend to probe. The first
		// data-plane picks drive the first connection attempts.
		b.cc.UpdateState(balancer.State{
			ConnectivityState: connectivity.Ready,
			Picker:            b.newPicker(),
		})
	})

	if len(ccs.ResolverState.Addresses) == 0 {
		b.resolverError(fmt.Errorf("produced zero addresses"))
		return balancer.ErrBadResolverState
	}
	return nil
}

func (b *ringhashBalancer) ResolverError(err error) {
	b.resolverError(err)
}

func (b *ringhashBalancer) resolverError(err error) {
	b.serializer.schedule(func() {
		if b.shuttingDown {
			return
		}
		b.resolverErr = err
		if b.set != nil && len(b.set.eps) > 0 {
			// The current picker keeps serving the existing endpoints.
			return
		}
		b.cc.UpdateState(balancer.State{
			ConnectivityState: connectivity.TransientFailure,
			Picker:            NewErrPicker(status.Error(codes.Unavailable, b.mergeErrors().Error())),
		})
	})
}

// mergeErrors builds an error from the last connection error and the
// last resolver error. Must only be called when reporting
// TransientFailure.
func (b *ringhashBalancer) mergeErrors() error {
	if b.connErr == nil {
		return fmt.Errorf("last resolver error: %v", b.resolverErr)
	}
	if b.resolverErr == nil {
		return fmt.Errorf("last connection error: %v", b.connErr)
	}
	return fmt.Errorf("last connection error: %v; last resolver error: %v", b.connErr, b.resolverErr)
}

// handleSubConnState runs on the serializer for every connectivity
// change reported by a subconn watcher.
func (b *ringhashBalancer) handleSubConnState(set *endpointSet, ep *endpointState, scs balancer.SubConnState) {
	if b.shuttingDown || set != b.set {
		// Stale generation: its subconns are already shut down.
		return
	}
	s := scs.ConnectivityState
	if s == connectivity.Shutdown {
		return
	}
	b.logger.Debugf("ringhash: endpoint %s (index %d) state %s -> %s", ep.addr, ep.index, ep.state, s)

	if s == connectivity.TransientFailure {
		b.connErr = scs.ConnectionError
		// A failing backend may mean stale addresses; ask the resolver
		// for a fresh view. Watcher callbacks only fire after startup,
		// so a set created entirely in failure cannot loop here.
		b.cc.ResolveNow(resolver.ResolveNowOptions{})
	}

	set.applyStateUpdate(ep, s)
	reattempt := b.publishAggregatedState()
	// While nothing is READY the policy gets no pick requests, so
	// recovery has to be driven from here: keep one connection attempt
	// in flight by moving to the neighbor of the endpoint whose
	// callback fired.
	if reattempt {
		next := set.eps[(ep.index+1)%len(set.eps)]
		b.logger.Debugf("ringhash: reattempting connection on next endpoint %s (index %d)", next.addr, next.index)
		next.sc.Connect()
	}
}

// publishAggregatedState folds the counters into the policy-level state
// and pushes a matching picker to the channel. The returned bool
// reports whether a proactive reconnect of the next endpoint is needed
// (aggregated IDLE or TRANSIENT_FAILURE).
func (b *ringhashBalancer) publishAggregatedState() bool {
	switch state := b.set.aggregatedState(); state {
	case connectivity.Ready:
		b.connErr = nil
		b.cc.UpdateState(balancer.State{
			ConnectivityState: connectivity.Ready,
			Picker:            b.newPicker(),
		})
		return false
	case connectivity.Connecting:
		b.cc.UpdateState(balancer.State{
			ConnectivityState: connectivity.Connecting,
			Picker:            NewErrPicker(balancer.ErrNoSubConnAvailable),
		})
		return false
	case connectivity.Idle:
		b.cc.UpdateState(balancer.State{
			ConnectivityState: connectivity.Idle,
			Picker:            NewErrPicker(balancer.ErrNoSubConnAvailable),
		})
		return true
	default:
		err := fmt.Errorf("connections to backend failing or idle")
		if b.connErr != nil || b.resolverErr != nil {
			err = fmt.Errorf("connections to backend failing or idle: %v", b.mergeErrors())
		}
		b.logger.Warnf("ringhash: reporting TRANSIENT_FAILURE: %v", err)
		b.cc.UpdateState(balancer.State{
			ConnectivityState: connectivity.TransientFailure,
			Picker:            NewErrPicker(status.Error(codes.Unavailable, err.Error())),
		})
		return true
	}
}

// newPicker snapshots the current endpoint set into an immutable ring
// picker. Ring entries share one snapshot record per endpoint, which
// keeps the backing subconn alive for as long as any picker holds the
// ring.
func (b *ringhashBalancer) newPicker() *picker {
	endpoints := make([]*ringEndpoint, len(b.set.eps))
	for i, ep := range b.set.eps {
		endpoints[i] = &ringEndpoint{
			sc:     ep.sc,
			addr:   ep.addr,
			weight: ep.weight,
			state:  ep.state,
		}
	}
	ring := newRing(endpoints, b.config.MinRingSize, b.config.MaxRingSize)
	b.logger.Debugf("ringhash: built picker with %d ring entries over %d endpoints", len(ring), len(endpoints))
	return &picker{b: b, ring: ring, logger: b.logger}
}

// UpdateSubConnState is a nop because a StateListener is always set in
// NewSubConn.
func (b *ringhashBalancer) UpdateSubConnState(sc balancer.SubConn, state balancer.SubConnState) {
}

func (b *ringhashBalancer) Close() {
	b.serializer.schedule(func() {
		b.shuttingDown = true
		if b.set != nil {
			b.set.shutdown()
			b.set = nil
		}
	})
}

// ExitIdle is a nop; ring hash subconns reconnect via data-plane picks.
func (b *ringhashBalancer) ExitIdle() {
}
