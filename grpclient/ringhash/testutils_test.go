package ringhash

import (
	"context"

	"github.com/donnadionne/ringbalance/grpclient/logger"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/resolver"
)

// testSubConn is a minimal balancer.SubConn double. Connect and
// Shutdown only record that they were called; tests drive connectivity
// by invoking the registered state listener directly.
type testSubConn struct {
	balancer.SubConn

	addr     string
	listener func(balancer.SubConnState)

	connects int
	shutdown bool
}

func (sc *testSubConn) Connect() { sc.connects++ }

func (sc *testSubConn) Shutdown() { sc.shutdown = true }

// testClientConn records subconns and published states. The balancer's
// serializer drains inline on the test goroutine, so no locking is
// needed.
type testClientConn struct {
	balancer.ClientConn

	subConns    []*testSubConn
	states      []balancer.State
	resolveNows int
}

func (cc *testClientConn) NewSubConn(addrs []resolver.Address, opts balancer.NewSubConnOptions) (balancer.SubConn, error) {
	sc := &testSubConn{addr: addrs[0].Addr, listener: opts.StateListener}
	cc.subConns = append(cc.subConns, sc)
	return sc, nil
}

func (cc *testClientConn) UpdateState(s balancer.State) { cc.states = append(cc.states, s) }

func (cc *testClientConn) ResolveNow(resolver.ResolveNowOptions) { cc.resolveNows++ }

func (cc *testClientConn) lastState() balancer.State { return cc.states[len(cc.states)-1] }

func newTestBalancer() *ringhashBalancer {
	return &ringhashBalancer{
		cc:         &testClientConn{},
		logger:     logger.NewNopLogger(),
		serializer: &serializer{},
		config:     &LBConfig{MinRingSize: defaultMinRingSize, MaxRingSize: defaultMaxRingSize},
	}
}

func hashCtx(h uint64) context.Context {
	return SetRequestHash(context.Background(), h)
}
