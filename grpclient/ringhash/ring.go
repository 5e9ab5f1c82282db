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
	"math"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/connectivity"
)

// ringEndpoint is the per-endpoint snapshot a picker holds. All ring
// entries for one endpoint share the same *ringEndpoint, so the fallback
// walk can compare endpoint identity by pointer.
type ringEndpoint struct {
	sc     balancer.SubConn
	addr   string
	weight int64
	state  connectivity.State
}

// ringEntry is a single virtual node: the XXH64 value of
// "<addr>_<count>" and a reference to the endpoint it belongs to.
type ringEntry struct {
	hash uint64
	ep   *ringEndpoint
}

// newRing builds a sorted ring from the given endpoints. All weights
// must be >= 1 and the endpoint list must be non-empty; zero-weight
// endpoints are filtered out before this point.
//
// The number of virtual nodes per endpoint is scaled up from minSize so
// that the least-weighted endpoint still gets a whole number of entries
// on the ring, preserving proportional weights up to rounding. When that
// scale would exceed maxSize it is capped there. Fractional per-endpoint
// entry counts are handled by the running currentHashes/targetHashes
// pair, which distributes the rounding without bias.
func newRing(endpoints []*ringEndpoint, minSize, maxSize uint64) []ringEntry {
	var sum int64
	for _, ep := range endpoints {
		sum += ep.weight
	}
	minNormalized := 1.0
	for _, ep := range endpoints {
		normalized := float64(ep.weight) / float64(sum)
		if normalized < minNormalized {
			minNormalized = normalized
		}
	}
	scale := math.Min(math.Ceil(minNormalized*float64(minSize))/minNormalized, float64(maxSize))
	ringSize := uint64(math.Ceil(scale))
	ring := make([]ringEntry, 0, ringSize)

	currentHashes := 0.0
	targetHashes := 0.0
	for _, ep := range endpoints {
		normalized := float64(ep.weight) / float64(sum)
		targetHashes += scale * normalized
		count := 0
		for currentHashes < targetHashes {
			key := ep.addr + "_" + strconv.Itoa(count)
			ring = append(ring, ringEntry{hash: xxhash.Sum64String(key), ep: ep})
			count++
			currentHashes++
		}
	}
	// Hash collisions must keep insertion order so that two builds from
	// the same inputs produce identical rings.
	sort.SliceStable(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })
	return ring
}
