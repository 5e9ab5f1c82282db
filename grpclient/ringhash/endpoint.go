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

package ringhash

import (
	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/resolver"
)

// WeightAttributeKey is the key under which an endpoint's ring weight is
// carried in resolver.Address.Attributes, as an int32. A missing
// attribute means weight 1; weight 0 means the endpoint is not eligible
// and is excluded before ring construction.
const WeightAttributeKey = "x_customize_weight"

// AddressWeight returns the ring weight of addr. Negative values are
// treated the same as a missing attribute.
func AddressWeight(addr resolver.Address) int64 {
	if addr.Attributes == nil {
		return 1
	}
	v := addr.Attributes.Value(WeightAttributeKey)
	if v == nil {
		return 1
	}
	w, ok := v.(int32)
	if !ok || w < 0 {
		return 1
	}
	return int64(w)
}

// endpointState is the control-plane record for one backend: the
// subconn, its observed connectivity state, and the state currently
// reflected in the set's counters. The two differ only while the
// seen-failure latch is set.
type endpointState struct {
	index  int
	addr   string
	weight int64
	sc     balancer.SubConn

	state         connectivity.State
	reportedState connectivity.State

	// seenFailureSinceReady is set on the first TRANSIENT_FAILURE and
	// cleared only on READY. While set, IDLE/CONNECTING bounces are kept
	// out of the counters so the aggregated state keeps reporting the
	// endpoint as failed until it actually recovers.
	seenFailureSinceReady bool
}

// endpointSet is one generation of backends, in resolver order. Order
// matters: it is the neighbor order used by the proactive reconnect
// after a failure callback. All mutation happens on the policy
// serializer.
type endpointSet struct {
	eps []*endpointState

	numIdle             int
	numConnecting       int
	numReady            int
	numTransientFailure int
}

// newEndpointSet creates subconns for addrs (already weight-filtered)
// and seeds every endpoint in IDLE. The listener hops onto the policy
// serializer before touching any state.
func newEndpointSet(b *ringhashBalancer, addrs []resolver.Address) *endpointSet {
	set := &endpointSet{}
	for _, a := range addrs {
		ep := &endpointState{
			addr:          a.Addr,
			weight:        AddressWeight(a),
			state:         connectivity.Idle,
			reportedState: connectivity.Idle,
		}
		sc, err := b.cc.NewSubConn([]resolver.Address{a}, balancer.NewSubConnOptions{
			HealthCheckEnabled: false,
			StateListener: func(scs balancer.SubConnState) {
				b.serializer.schedule(func() { b.handleSubConnState(set, ep, scs) })
			},
		})
		if err != nil {
			b.logger.Errorf("ringhash: failed to create subconn for %s: %v", a.Addr, err)
			continue
		}
		ep.sc = sc
		ep.index = len(set.eps)
		set.eps = append(set.eps, ep)
		set.numIdle++
	}
	return set
}

// updateStateCounters moves one endpoint's population from oldState to
// newState. SHUTDOWN never appears here.
func (s *endpointSet) updateStateCounters(oldState, newState connectivity.State) {
	switch oldState {
	case connectivity.Idle:
		s.numIdle--
	case connectivity.Connecting:
		s.numConnecting--
	case connectivity.Ready:
		s.numReady--
	case connectivity.TransientFailure:
		s.numTransientFailure--
	}
	switch newState {
	case connectivity.Idle:
		s.numIdle++
	case connectivity.Connecting:
		s.numConnecting++
	case connectivity.Ready:
		s.numReady++
	case connectivity.TransientFailure:
		s.numTransientFailure++
	}
}

// applyStateUpdate records newState on ep and updates the counters,
// honoring the seen-failure latch: after a failure the endpoint stays
// counted as TRANSIENT_FAILURE until it reaches READY again.
func (s *endpointSet) applyStateUpdate(ep *endpointState, newState connectivity.State) {
	switch {
	case !ep.seenFailureSinceReady && newState == connectivity.TransientFailure:
		ep.seenFailureSinceReady = true
		s.updateStateCounters(ep.reportedState, newState)
		ep.reportedState = newState
	case ep.seenFailureSinceReady && newState == connectivity.Ready:
		ep.seenFailureSinceReady = false
		s.updateStateCounters(connectivity.TransientFailure, newState)
		ep.reportedState = newState
	case ep.seenFailureSinceReady:
		// Latched: the bounce stays invisible to the counters.
	default:
		s.updateStateCounters(ep.reportedState, newState)
		ep.reportedState = newState
	}
	ep.state = newState
}

// aggregatedState folds the counters into the single state the policy
// reports upward:
//  1. any READY endpoint: READY
//  2. any CONNECTING endpoint and fewer than two failures: CONNECTING
//  3. any IDLE endpoint and fewer than two failures: IDLE
//  4. otherwise: TRANSIENT_FAILURE
func (s *endpointSet) aggregatedState() connectivity.State {
	switch {
	case s.numReady > 0:
		return connectivity.Ready
	case s.numConnecting > 0 && s.numTransientFailure < 2:
		return connectivity.Connecting
	case s.numIdle > 0 && s.numTransientFailure < 2:
		return connectivity.Idle
	default:
		return connectivity.TransientFailure
	}
}

func (s *endpointSet) shutdown() {
	for _, ep := range s.eps {
		ep.sc.Shutdown()
	}
}
