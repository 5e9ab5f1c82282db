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
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/serviceconfig"
)

// BalanceName is the name the policy is registered under.
const BalanceName = "ring_hash_experimental"

const (
	defaultMinRingSize = 1024
	defaultMaxRingSize = 8388608

	// ringSizeCap is the upper bound for both ring size options.
	ringSizeCap = 8388608
)

// LBConfig is the load balancing config for the ring hash policy.
//
// Both sizes bound the number of virtual nodes on the ring: the ring is
// scaled up from MinRingSize so that the least-weighted endpoint still
// receives a whole number of entries, and capped at MaxRingSize.
type LBConfig struct {
	serviceconfig.LoadBalancingConfig `json:"-"`

	MinRingSize uint64 `json:"min_ring_size,omitempty"`
	MaxRingSize uint64 `json:"max_ring_size,omitempty"`
}

func parseConfig(c json.RawMessage) (*LBConfig, error) {
	cfg := &LBConfig{
		MinRingSize: defaultMinRingSize,
		MaxRingSize: defaultMaxRingSize,
	}
	if err := json.Unmarshal(c, cfg); err != nil {
		return nil, fmt.Errorf("ring_hash_experimental: invalid LB config: %v", err)
	}
	if err := validateRingSizes(cfg.MinRingSize, cfg.MaxRingSize); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateRingSizes(min, max uint64) error {
	if min < 1 || min > ringSizeCap || max < 1 || max > ringSizeCap || min > max {
		return fmt.Errorf("ring_hash_experimental: min_ring_size (%d) and max_ring_size (%d) must be in the range 1 to %d and min_ring_size cannot be greater than max_ring_size", min, max, ringSizeCap)
	}
	return nil
}

// ServiceConfig renders a gRPC service config selecting this policy
// with the given ring size bounds. Zero means the default for that
// bound.
func ServiceConfig(minRingSize, maxRingSize uint64) (string, error) {
	if minRingSize == 0 {
		minRingSize = defaultMinRingSize
	}
	if maxRingSize == 0 {
		maxRingSize = defaultMaxRingSize
	}
	if err := validateRingSizes(minRingSize, maxRingSize); err != nil {
		return "", err
	}
	return fmt.Sprintf(`{"loadBalancingConfig":[{%q:{"min_ring_size":%d,"max_ring_size":%d}}]}`,
		BalanceName, minRingSize, maxRingSize), nil
}
