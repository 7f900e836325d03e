// Package testutil holds test doubles shared across packages.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/chanmgr/internal/slots"
)

// SlotCall records one call made to FakeSlots.
type SlotCall struct {
	Method  string
	Target  string
	Connect slots.ConnectRequest
	Peer    slots.Endpoint
}

// FakeSlots is an in-memory slots.Client that records every call.
//
// ConnectErr, DisconnectErr and DestroyErr, when set, are consulted before
// a call is recorded as accepted.
//
// Thread-safety: FakeSlots is safe for concurrent use.
type FakeSlots struct {
	mu    sync.Mutex
	calls []SlotCall
	n     int

	ConnectErr    func(req slots.ConnectRequest) error
	DisconnectErr func(peer slots.Endpoint) error
	DestroyErr    func(peer slots.Endpoint) error
}

// NewFakeSlots creates a FakeSlots that accepts every call.
func NewFakeSlots() *FakeSlots {
	return &FakeSlots{}
}

var _ slots.Client = (*FakeSlots)(nil)

// ConnectSlot implements slots.Client.
func (f *FakeSlots) ConnectSlot(_ context.Context, target string, req slots.ConnectRequest) (string, error) {
	f.mu.Lock()
	hook := f.ConnectErr
	f.mu.Unlock()
	if hook != nil {
		if err := hook(req); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	f.calls = append(f.calls, SlotCall{Method: "connect", Target: target, Connect: req})
	return fmt.Sprintf("slot-op-%d", f.n), nil
}

// DisconnectSlot implements slots.Client.
func (f *FakeSlots) DisconnectSlot(_ context.Context, peer slots.Endpoint) error {
	return f.record("disconnect", peer, f.hook(func() func(slots.Endpoint) error { return f.DisconnectErr }))
}

// DestroySlot implements slots.Client.
func (f *FakeSlots) DestroySlot(_ context.Context, peer slots.Endpoint) error {
	return f.record("destroy", peer, f.hook(func() func(slots.Endpoint) error { return f.DestroyErr }))
}

func (f *FakeSlots) hook(get func() func(slots.Endpoint) error) func(slots.Endpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return get()
}

func (f *FakeSlots) record(method string, peer slots.Endpoint, hook func(slots.Endpoint) error) error {
	if hook != nil {
		if err := hook(peer); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, SlotCall{Method: method, Target: peer.Address, Peer: peer})
	return nil
}

// SetConnectErr replaces the connect hook.
func (f *FakeSlots) SetConnectErr(hook func(req slots.ConnectRequest) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ConnectErr = hook
}

// Calls returns a copy of the recorded calls.
func (f *FakeSlots) Calls() []SlotCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SlotCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// Connects returns the accepted connect requests in call order.
func (f *FakeSlots) Connects() []slots.ConnectRequest {
	var out []slots.ConnectRequest
	for _, c := range f.Calls() {
		if c.Method == "connect" {
			out = append(out, c.Connect)
		}
	}
	return out
}

// Released returns the peer ids that received the given method, in order.
func (f *FakeSlots) Released(method string) []string {
	var out []string
	for _, c := range f.Calls() {
		if c.Method == method {
			out = append(out, c.Peer.PeerID)
		}
	}
	return out
}
