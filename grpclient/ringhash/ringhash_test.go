package ringhash

import (
	"errors"
	"fmt"
	"testing"

	"github.com/donnadionne/ringbalance/grpclient/logger"

	"google.golang.org/grpc/attributes"
	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/resolver"
	"google.golang.org/grpc/status"
)

func weightedAddr(addr string, weight int32) resolver.Address {
	return resolver.Address{Addr: addr, Attributes: attributes.New(WeightAttributeKey, weight)}
}

func setupBalancer(t *testing.T, addrs []resolver.Address, cfg *LBConfig) (*testClientConn, balancer.Balancer) {
	t.Helper()
	cc := &testClientConn{}
	b := (&ringHashBuilder{logger: logger.NewNopLogger()}).Build(cc, balancer.BuildOptions{})
	t.Cleanup(b.Close)

	ccs := balancer.ClientConnState{ResolverState: resolver.State{Addresses: addrs}}
	if cfg != nil {
		ccs.BalancerConfig = cfg
	}
	if err := b.UpdateClientConnState(ccs); err != nil {
		t.Fatalf("UpdateClientConnState error: %v", err)
	}
	return cc, b
}

func fireState(cc *testClientConn, index int, s connectivity.State) {
	scs := balancer.SubConnState{ConnectivityState: s}
	if s == connectivity.TransientFailure {
		scs.ConnectionError = fmt.Errorf("connection refused")
	}
	cc.subConns[index].listener(scs)
}

func TestUpdateEmptyAddresses(t *testing.T) {
	cc := &testClientConn{}
	b := (&ringHashBuilder{logger: logger.NewNopLogger()}).Build(cc, balancer.BuildOptions{})
	defer b.Close()

	err := b.UpdateClientConnState(balancer.ClientConnState{})
	if !errors.Is(err, balancer.ErrBadResolverState) {
		t.Fatalf("err=%v, want ErrBadResolverState", err)
	}
	st := cc.lastState()
	if st.ConnectivityState != connectivity.TransientFailure {
		t.Fatalf("state=%v, want TransientFailure", st.ConnectivityState)
	}
	_, pickErr := st.Picker.Pick(balancer.PickInfo{})
	if status.Code(pickErr) != codes.Unavailable {
		t.Fatalf("pick code=%v, want Unavailable", status.Code(pickErr))
	}
}

func TestUpdateAllZeroWeights(t *testing.T) {
	cc, _ := setupBalancer(t, []resolver.Address{
		weightedAddr("a:1", 0),
		weightedAddr("b:1", 0),
	}, nil)

	if len(cc.subConns) != 0 {
		t.Fatalf("subconns created for zero-weight addresses: %d", len(cc.subConns))
	}
	st := cc.lastState()
	if st.ConnectivityState != connectivity.TransientFailure {
		t.Fatalf("state=%v, want TransientFailure", st.ConnectivityState)
	}
	_, pickErr := st.Picker.Pick(balancer.PickInfo{})
	if s, ok := status.FromError(pickErr); !ok || s.Code() != codes.Unavailable || s.Message() != "Empty update" {
		t.Fatalf("pick error=%v, want Unavailable %q", pickErr, "Empty update")
	}
}

func TestUpdateFiltersZeroWeight(t *testing.T) {
	cc, _ := setupBalancer(t, []resolver.Address{
		weightedAddr("a:1", 2),
		weightedAddr("b:1", 0),
		weightedAddr("c:1", 5),
	}, nil)

	if len(cc.subConns) != 2 {
		t.Fatalf("subconns=%d, want 2", len(cc.subConns))
	}
	p, ok := cc.lastState().Picker.(*picker)
	if !ok {
		t.Fatalf("picker is %T, want *picker", cc.lastState().Picker)
	}
	for _, e := range p.ring {
		if e.ep.addr == "b:1" {
			t.Fatalf("zero-weight endpoint on the ring")
		}
	}
}

func TestStartupPublishesEagerReadyPicker(t *testing.T) {
	cc, _ := setupBalancer(t, []resolver.Address{
		{Addr: "a:1"},
		{Addr: "b:1"},
	}, &LBConfig{MinRingSize: 8, MaxRingSize: 1024})

	st := cc.lastState()
	if st.ConnectivityState != connectivity.Ready {
		t.Fatalf("startup state=%v, want Ready", st.ConnectivityState)
	}
	// Everything is IDLE, so the first pick queues and drives the first
	// connection attempt.
	_, err := st.Picker.Pick(balancer.PickInfo{Ctx: hashCtx(0)})
	if !errors.Is(err, balancer.ErrNoSubConnAvailable) {
		t.Fatalf("pick err=%v, want ErrNoSubConnAvailable", err)
	}
	total := 0
	for _, sc := range cc.subConns {
		total += sc.connects
	}
	if total != 1 {
		t.Fatalf("connects after first pick=%d, want 1", total)
	}
}

func TestStateTransitionsPublishPickers(t *testing.T) {
	cc, _ := setupBalancer(t, []resolver.Address{{Addr: "a:1"}}, &LBConfig{MinRingSize: 1, MaxRingSize: 1})

	fireState(cc, 0, connectivity.Connecting)
	if st := cc.lastState(); st.ConnectivityState != connectivity.Connecting {
		t.Fatalf("state=%v, want Connecting", st.ConnectivityState)
	}
	if _, err := cc.lastState().Picker.Pick(balancer.PickInfo{Ctx: hashCtx(0)}); !errors.Is(err, balancer.ErrNoSubConnAvailable) {
		t.Fatalf("connecting picker err=%v, want ErrNoSubConnAvailable", err)
	}

	fireState(cc, 0, connectivity.Ready)
	st := cc.lastState()
	if st.ConnectivityState != connectivity.Ready {
		t.Fatalf("state=%v, want Ready", st.ConnectivityState)
	}
	res, err := st.Picker.Pick(balancer.PickInfo{Ctx: hashCtx(42)})
	if err != nil {
		t.Fatalf("ready pick error: %v", err)
	}
	if res.SubConn.(*testSubConn) != cc.subConns[0] {
		t.Fatalf("picked wrong subconn")
	}

	fireState(cc, 0, connectivity.TransientFailure)
	st = cc.lastState()
	if st.ConnectivityState != connectivity.TransientFailure {
		t.Fatalf("state=%v, want TransientFailure", st.ConnectivityState)
	}
	if _, err := st.Picker.Pick(balancer.PickInfo{}); status.Code(err) != codes.Unavailable {
		t.Fatalf("failure picker code=%v, want Unavailable", status.Code(err))
	}
}

func TestTransientFailureRequestsReresolution(t *testing.T) {
	cc, _ := setupBalancer(t, []resolver.Address{{Addr: "a:1"}, {Addr: "b:1"}}, nil)

	if cc.resolveNows != 0 {
		t.Fatalf("resolveNows=%d before any failure", cc.resolveNows)
	}
	fireState(cc, 0, connectivity.TransientFailure)
	if cc.resolveNows != 1 {
		t.Fatalf("resolveNows=%d, want 1", cc.resolveNows)
	}
	fireState(cc, 0, connectivity.Connecting) // latched bounce
	if cc.resolveNows != 1 {
		t.Fatalf("resolveNows=%d after non-failure callback, want 1", cc.resolveNows)
	}
}

func TestRecoveryProgressCyclesEndpoints(t *testing.T) {
	// Four endpoints all failing, no pick traffic: after each failure
	// callback a connection attempt must land on the next endpoint,
	// cycling 0 -> 1 -> 2 -> 3 -> 0.
	cc, _ := setupBalancer(t, []resolver.Address{
		{Addr: "a:1"}, {Addr: "b:1"}, {Addr: "c:1"}, {Addr: "d:1"},
	}, nil)

	for i := 0; i < 4; i++ {
		before := cc.subConns[(i+1)%4].connects
		fireState(cc, i, connectivity.TransientFailure)
		after := cc.subConns[(i+1)%4].connects
		if after != before+1 {
			t.Fatalf("callback on %d: next endpoint connects=%d, want %d", i, after, before+1)
		}
	}
	if st := cc.lastState(); st.ConnectivityState != connectivity.TransientFailure {
		t.Fatalf("state=%v, want TransientFailure", st.ConnectivityState)
	}
	// Progress is callback-driven: with no further callbacks and no
	// picks, no additional attempts appear.
	counts := make([]int, 4)
	for i, sc := range cc.subConns {
		counts[i] = sc.connects
	}
	for i, sc := range cc.subConns {
		if sc.connects != counts[i] {
			t.Fatalf("spontaneous connect on endpoint %d", i)
		}
	}
}

func TestOneReadyAmongFailures(t *testing.T) {
	cc, _ := setupBalancer(t, []resolver.Address{
		{Addr: "a:1"}, {Addr: "b:1"}, {Addr: "c:1"},
	}, &LBConfig{MinRingSize: 3, MaxRingSize: 3})

	fireState(cc, 0, connectivity.TransientFailure)
	fireState(cc, 1, connectivity.TransientFailure)
	fireState(cc, 2, connectivity.Ready)

	st := cc.lastState()
	if st.ConnectivityState != connectivity.Ready {
		t.Fatalf("state=%v, want Ready", st.ConnectivityState)
	}
	// Every hash must land on the single READY endpoint via the walk.
	p := st.Picker.(*picker)
	for _, e := range p.ring {
		res, err := st.Picker.Pick(balancer.PickInfo{Ctx: hashCtx(e.hash)})
		if err != nil {
			t.Fatalf("Pick error: %v", err)
		}
		if res.SubConn.(*testSubConn) != cc.subConns[2] {
			t.Fatalf("pick did not reach the ready endpoint")
		}
	}
}

func TestStaleEndpointSetIgnored(t *testing.T) {
	cc, b := setupBalancer(t, []resolver.Address{{Addr: "a:1"}}, nil)
	oldSC := cc.subConns[0]

	if err := b.UpdateClientConnState(balancer.ClientConnState{
		ResolverState: resolver.State{Addresses: []resolver.Address{{Addr: "b:1"}}},
	}); err != nil {
		t.Fatalf("second update error: %v", err)
	}
	if !oldSC.shutdown {
		t.Fatalf("old subconn not shut down on update")
	}

	published := len(cc.states)
	oldSC.listener(balancer.SubConnState{ConnectivityState: connectivity.Ready})
	if len(cc.states) != published {
		t.Fatalf("stale callback published a state update")
	}
}

func TestCloseStopsWork(t *testing.T) {
	cc, b := setupBalancer(t, []resolver.Address{{Addr: "a:1"}}, nil)
	picker := cc.lastState().Picker
	b.Close()

	if !cc.subConns[0].shutdown {
		t.Fatalf("subconn not shut down on Close")
	}
	published := len(cc.states)
	cc.subConns[0].listener(balancer.SubConnState{ConnectivityState: connectivity.Ready})
	if len(cc.states) != published {
		t.Fatalf("callback after Close published a state update")
	}

	// A data-plane pick on a stale picker still returns, but its
	// scheduled connection attempts are dropped.
	connects := cc.subConns[0].connects
	if _, err := picker.Pick(balancer.PickInfo{Ctx: hashCtx(0)}); !errors.Is(err, balancer.ErrNoSubConnAvailable) {
		t.Fatalf("pick err=%v, want ErrNoSubConnAvailable", err)
	}
	if cc.subConns[0].connects != connects {
		t.Fatalf("connect dispatched after shutdown")
	}
}

func TestResolverErrorWithoutEndpoints(t *testing.T) {
	cc := &testClientConn{}
	b := (&ringHashBuilder{logger: logger.NewNopLogger()}).Build(cc, balancer.BuildOptions{})
	defer b.Close()

	b.ResolverError(fmt.Errorf("dns: lookup failed"))
	st := cc.lastState()
	if st.ConnectivityState != connectivity.TransientFailure {
		t.Fatalf("state=%v, want TransientFailure", st.ConnectivityState)
	}
	if _, err := st.Picker.Pick(balancer.PickInfo{}); status.Code(err) != codes.Unavailable {
		t.Fatalf("code=%v, want Unavailable", status.Code(err))
	}
}

func TestResolverErrorKeepsServingEndpoints(t *testing.T) {
	cc, b := setupBalancer(t, []resolver.Address{{Addr: "a:1"}}, nil)
	published := len(cc.states)

	b.ResolverError(fmt.Errorf("dns: lookup failed"))
	if len(cc.states) != published {
		t.Fatalf("resolver error replaced the picker while endpoints exist")
	}
}
