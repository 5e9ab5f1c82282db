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

package grpclient

import (
	"context"
	"math"
	"time"

	"github.com/donnadionne/ringbalance/grpclient/discovery"
	"github.com/donnadionne/ringbalance/grpclient/logger"

	"google.golang.org/grpc"
)

var (
	// WaitForReady configures the action to take when an RPC is attempted on broken
	// connections or unreachable servers. If waitForReady is false, the RPC will fail
	// immediately. Otherwise, the RPC client will block the call until a
	// connection is available (or the call is canceled or times out) and will
	// retry the call if it fails due to a transient error. Please refer to
	// https://github.com/grpc/grpc/blob/master/doc/wait-for-ready.md.
	defaultWaitForReady = grpc.WaitForReady(false)

	// client-side request send limit, gRPC default is math.MaxInt32
	// Make sure that "client-side send limit < server-side default send/recv limit"
	defaultMaxCallSendMsgSize = grpc.MaxCallSendMsgSize(2 * 1024 * 1024)

	// client-side response receive limit, gRPC default is 4MB
	// Make sure that "client-side receive limit >= server-side default send/recv limit"
	defaultMaxCallRecvMsgSize = grpc.MaxCallRecvMsgSize(math.MaxInt32)

	// client-side retry backoff wait between requests.
	defaultBackoffWaitBetween = 100 * time.Millisecond

	// client-side non-streaming retry limit, only applied to requests where the
	// server responds with an error code clearly indicating it was unable to
	// process the request, such as codes.Unavailable.
	defaultUnaryMaxRetries uint = 3
)

// defaultCallOpts defines a list of default "grpc.CallOption".
// Defaults will be overridden by the settings in "Config".
var defaultCallOpts = []grpc.CallOption{defaultWaitForReady, defaultMaxCallSendMsgSize, defaultMaxCallRecvMsgSize}

type Config struct {
	// Endpoints is the initial weighted endpoint list. Ignored when
	// Discovery is set.
	Endpoints []discovery.Endpoint

	// MinRingSize and MaxRingSize bound the consistent-hash ring the
	// policy builds over the endpoints. Zero means the policy default
	// (1024 and 8388608 respectively).
	MinRingSize uint64
	MaxRingSize uint64

	// DialTimeout is the timeout for failing to establish a connection.
	DialTimeout time.Duration

	// DialKeepAliveTime is the time after which client pings the server to see if
	// transport is alive.
	DialKeepAliveTime time.Duration

	// DialKeepAliveTimeout is the time that the client waits for a response for the
	// keep-alive probe. If the response is not received in this time, the connection is closed.
	DialKeepAliveTimeout time.Duration

	// MaxCallSendMsgSize is the client-side request send limit in bytes.
	// If 0, it defaults to 2.0 MiB (2 * 1024 * 1024).
	MaxCallSendMsgSize int

	// MaxCallRecvMsgSize is the client-side response receive limit.
	// If 0, it defaults to "math.MaxInt32".
	MaxCallRecvMsgSize int

	// DialOptions is a list of dial options for the grpc client (e.g., for interceptors).
	DialOptions []grpc.DialOption

	// Context is the default client context; it can be used to cancel grpc dial out and
	// other operations that do not have an explicit context.
	Context context.Context

	PermitWithoutStream bool

	// Discovery is the service discovery implementation.
	// If set, Endpoints is ignored; the client fetches the initial list
	// from Discovery and keeps watching it for changes until Close.
	Discovery discovery.Discovery

	// DiscoveryPollInterval is the interval for polling-based discovery,
	// used when Discovery does not support native watching.
	// If 0, defaults to 30 seconds.
	DiscoveryPollInterval time.Duration

	// OnEndpointsUpdate is an optional callback invoked when discovery
	// updates the endpoint list. Useful for logging or metrics.
	OnEndpointsUpdate func(endpoints []discovery.Endpoint)

	// Logger is the logger implementation to use for client logging.
	// If nil, a default logger with Info level will be used.
	// Use logger.NewNopLogger() to disable logging entirely.
	Logger logger.Logger
}
