package resolver

import (
	"testing"

	"github.com/donnadionne/ringbalance/grpclient/discovery"
	"github.com/donnadionne/ringbalance/grpclient/ringhash"

	"google.golang.org/grpc/resolver"
)

type fakeClientConn struct {
	resolver.ClientConn

	states []resolver.State
}

func (cc *fakeClientConn) UpdateState(s resolver.State) error {
	cc.states = append(cc.states, s)
	return nil
}

func TestWeightedResolverCarriesWeights(t *testing.T) {
	wr := &WeightedResolver{endpoints: []discovery.Endpoint{
		{Addr: "127.0.0.1:50051", Weight: 1},
		{Addr: "127.0.0.1:50052", Weight: 3},
		{Addr: "127.0.0.1:50053", Weight: 0},
	}}
	cc := &fakeClientConn{}
	if _, err := wr.Build(resolver.Target{}, cc, resolver.BuildOptions{}); err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if len(cc.states) != 1 {
		t.Fatalf("states=%d, want 1", len(cc.states))
	}
	addrs := cc.states[0].Addresses
	if len(addrs) != 3 {
		t.Fatalf("addresses=%d, want 3", len(addrs))
	}
	wantWeights := []int32{1, 3, 0}
	for i, a := range addrs {
		if got := a.Attributes.Value(ringhash.WeightAttributeKey); got != wantWeights[i] {
			t.Fatalf("address %d weight attr=%v, want %d", i, got, wantWeights[i])
		}
	}
	if addrs[0].Addr != "127.0.0.1:50051" || addrs[0].ServerName != "127.0.0.1" {
		t.Fatalf("address 0 = %q/%q", addrs[0].Addr, addrs[0].ServerName)
	}
}

func TestWeightedResolverSetEndpoints(t *testing.T) {
	wr := &WeightedResolver{endpoints: []discovery.Endpoint{{Addr: "a:1", Weight: 1}}}
	cc := &fakeClientConn{}
	if _, err := wr.Build(resolver.Target{}, cc, resolver.BuildOptions{}); err != nil {
		t.Fatalf("Build error: %v", err)
	}

	wr.SetEndpoints([]discovery.Endpoint{{Addr: "a:1", Weight: 1}, {Addr: "b:1", Weight: 2}})
	if len(cc.states) != 2 {
		t.Fatalf("states=%d, want 2", len(cc.states))
	}
	if got := len(cc.states[1].Addresses); got != 2 {
		t.Fatalf("addresses after update=%d, want 2", got)
	}
}

func TestWeightedResolverResolveNow(t *testing.T) {
	wr := &WeightedResolver{endpoints: []discovery.Endpoint{{Addr: "a:1", Weight: 1}}}
	cc := &fakeClientConn{}
	if _, err := wr.Build(resolver.Target{}, cc, resolver.BuildOptions{}); err != nil {
		t.Fatalf("Build error: %v", err)
	}

	// Without a refresh hook, ResolveNow re-pushes the snapshot.
	wr.ResolveNow(resolver.ResolveNowOptions{})
	if len(cc.states) != 2 {
		t.Fatalf("states=%d, want 2", len(cc.states))
	}

	refreshed := 0
	wr.SetRefreshFunc(func() { refreshed++ })
	wr.ResolveNow(resolver.ResolveNowOptions{})
	if refreshed != 1 {
		t.Fatalf("refreshed=%d, want 1", refreshed)
	}
	if len(cc.states) != 2 {
		t.Fatalf("states=%d after hooked ResolveNow, want 2", len(cc.states))
	}
}
