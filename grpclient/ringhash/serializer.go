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

import "sync"

// serializer runs tasks one at a time in FIFO order. Exactly one caller
// drains the queue at any moment; tasks scheduled from within a running
// task are appended and run before the drain finishes. This gives the
// control plane single-writer semantics without a dedicated goroutine.
type serializer struct {
	mu       sync.Mutex
	queue    []func()
	draining bool
}

func (s *serializer) schedule(task func()) {
	s.mu.Lock()
	s.queue = append(s.queue, task)
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		next()
		s.mu.Lock()
	}
	s.draining = false
	s.mu.Unlock()
}
