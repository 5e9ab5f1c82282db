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
	"context"
	"strconv"

	"github.com/donnadionne/ringbalance/grpclient/logger"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// RequestHashKey is the outgoing metadata key carrying the per-call ring
// hash, as the decimal representation of an unsigned 64-bit integer.
// Both the key and the encoding are part of the wire contract with peer
// implementations.
const RequestHashKey = "request_ring_hash"

// SetRequestHash returns a context whose outgoing metadata carries h
// under RequestHashKey. Every RPC dispatched through the ring hash
// policy must use a context prepared this way.
func SetRequestHash(ctx context.Context, h uint64) context.Context {
	return metadata.AppendToOutgoingContext(ctx, RequestHashKey, strconv.FormatUint(h, 10))
}

func requestHash(ctx context.Context) (uint64, error) {
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		return 0, status.Errorf(codes.Internal, "ringhash: missing %q call metadata", RequestHashKey)
	}
	vals := md.Get(RequestHashKey)
	if len(vals) == 0 {
		return 0, status.Errorf(codes.Internal, "ringhash: missing %q call metadata", RequestHashKey)
	}
	h, err := strconv.ParseUint(vals[len(vals)-1], 10, 64)
	if err != nil {
		return 0, status.Errorf(codes.Internal, "ringhash: %q value %q is not an unsigned 64-bit integer", RequestHashKey, vals[len(vals)-1])
	}
	return h, nil
}

// NewErrPicker returns a picker that always returns err on Pick. With
// balancer.ErrNoSubConnAvailable it is the queue-only placeholder; with
// a status error it is the fail placeholder.
func NewErrPicker(err error) balancer.Picker {
	return &errPicker{err: err}
}

type errPicker struct {
	err error
}

func (p *errPicker) Pick(balancer.PickInfo) (balancer.PickResult, error) {
	return balancer.PickResult{}, p.err
}

// connectionAttempter collects subconns that need a connection attempt
// during a pick and dispatches them onto the control-plane serializer
// afterwards, so the data plane never runs control-plane code directly.
type connectionAttempter struct {
	b   *ringhashBalancer
	scs []balancer.SubConn
}

func (a *connectionAttempter) add(sc balancer.SubConn) {
	a.scs = append(a.scs, sc)
}

func (a *connectionAttempter) dispatch() {
	a.b.serializer.schedule(func() {
		if a.b.shuttingDown {
			return
		}
		for _, sc := range a.scs {
			sc.Connect()
		}
	})
}

// picker is an immutable snapshot of the ring. It is rebuilt by the
// policy on every membership or state-aggregation event; concurrent
// picks on an old snapshot stay valid because entries hold their own
// endpoint references.
type picker struct {
	b      *ringhashBalancer
	ring   []ringEntry
	logger logger.Logger
}

func (p *picker) Pick(info balancer.PickInfo) (balancer.PickResult, error) {
	h, err := requestHash(info.Ctx)
	if err != nil {
		return balancer.PickResult{}, err
	}

	firstIndex := p.search(h)
	first := p.ring[firstIndex].ep

	var attempter *connectionAttempter
	scheduleConnect := func(sc balancer.SubConn) {
		if attempter == nil {
			attempter = &connectionAttempter{b: p.b}
		}
		attempter.add(sc)
	}
	defer func() {
		if attempter != nil {
			attempter.dispatch()
		}
	}()

	switch first.state {
	case connectivity.Ready:
		return balancer.PickResult{SubConn: first.sc}, nil
	case connectivity.Idle:
		scheduleConnect(first.sc)
		return balancer.PickResult{}, balancer.ErrNoSubConnAvailable
	case connectivity.Connecting:
		return balancer.PickResult{}, balancer.ErrNoSubConnAvailable
	case connectivity.TransientFailure:
		scheduleConnect(first.sc)
	}

	// The chosen endpoint has failed. Walk the rest of the ring in order
	// looking for a READY endpoint, making sure the right set of
	// connection attempts is scheduled along the way.
	foundSecondEndpoint := false
	foundFirstNonFailed := false
	for i := 1; i < len(p.ring); i++ {
		entry := p.ring[(firstIndex+i)%len(p.ring)]
		if entry.ep == first {
			continue
		}
		if entry.ep.state == connectivity.Ready {
			return balancer.PickResult{SubConn: entry.ep.sc}, nil
		}
		if entry.ep.state == connectivity.Connecting && !foundSecondEndpoint {
			return balancer.PickResult{}, balancer.ErrNoSubConnAvailable
		}
		foundSecondEndpoint = true
		if !foundFirstNonFailed {
			switch entry.ep.state {
			case connectivity.TransientFailure:
				scheduleConnect(entry.ep.sc)
			case connectivity.Idle:
				scheduleConnect(entry.ep.sc)
				foundFirstNonFailed = true
			default:
				foundFirstNonFailed = true
			}
		}
	}
	p.logger.Debugf("ringhash picker: no endpoint available for hash %d, ring size %d", h, len(p.ring))
	return balancer.PickResult{}, status.Error(codes.Unavailable, "ringhash: all endpoints are in TRANSIENT_FAILURE")
}

// search returns the index of the first ring entry whose hash is >= h,
// wrapping to 0 when h is greater than every entry. Ported from the
// ketama binary search (ketama_get_server); lowp/highp/mid must stay
// signed for the termination conditions to hold.
func (p *picker) search(h uint64) int {
	lowp := int64(0)
	highp := int64(len(p.ring))
	var mid int64
	for {
		mid = (lowp + highp) / 2
		if mid == int64(len(p.ring)) {
			return 0
		}
		midval := p.ring[mid].hash
		var midval1 uint64
		if mid != 0 {
			midval1 = p.ring[mid-1].hash
		}
		if h <= midval && h > midval1 {
			return int(mid)
		}
		if midval < h {
			lowp = mid + 1
		} else {
			highp = mid - 1
		}
		if lowp > highp {
			return 0
		}
	}
}
