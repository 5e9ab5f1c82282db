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

// Package endpoint interprets user-supplied endpoint strings into the
// address/server-name pair gRPC expects.
package endpoint

import (
	"net"
	"net/url"
	"path"
	"strings"
)

// Interpret deduces the dialable address and TLS server name from a
// user endpoint. http/https URLs are reduced to their host; unix-domain
// endpoints are passed through whole with the socket file as server
// name; anything else is treated as host[:port]. Never panics on
// malformed input.
func Interpret(ep string) (address string, serverName string) {
	if strings.HasPrefix(ep, "unix:") || strings.HasPrefix(ep, "unixs:") {
		return ep, path.Base(strings.TrimLeft(ep[strings.Index(ep, ":")+1:], "/"))
	}
	if strings.Contains(ep, "://") {
		u, err := url.Parse(ep)
		if err != nil || u.Host == "" {
			rest := ep[strings.Index(ep, "://")+3:]
			return rest, rest
		}
		return u.Host, u.Hostname()
	}
	host, _, err := net.SplitHostPort(ep)
	if err != nil || host == "" {
		return ep, ep
	}
	return ep, host
}
