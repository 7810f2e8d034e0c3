package provider

import (
	"context"
	"fmt"
	"sync"
)

type binding struct {
	mode   Mode
	caller Caller
	async  AsyncProvider
}

// Registry routes each kind of work to the provider configured for it.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]binding
}

func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]binding)}
}

func (r *Registry) RegisterSync(kind string, c Caller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = binding{mode: ModeSync, caller: c}
}

func (r *Registry) RegisterAsync(kind string, p AsyncProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = binding{mode: ModeAsync, async: p}
}

func (r *Registry) lookup(kind string) (binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.kinds[kind]
	if !ok {
		return binding{}, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
	return b, nil
}

// Mode reports how kind is executed.
func (r *Registry) Mode(kind string) (Mode, error) {
	b, err := r.lookup(kind)
	if err != nil {
		return "", err
	}
	return b.mode, nil
}

func (r *Registry) Call(ctx context.Context, req Request) (Result, error) {
	b, err := r.lookup(req.Kind)
	if err != nil {
		return Result{}, err
	}
	if b.caller == nil {
		return Result{}, fmt.Errorf("kind %q is async: use Start", req.Kind)
	}
	return b.caller.Call(ctx, req)
}

func (r *Registry) Start(ctx context.Context, req Request) (string, error) {
	b, err := r.lookup(req.Kind)
	if err != nil {
		return "", err
	}
	if b.async == nil {
		return "", fmt.Errorf("kind %q is sync: use Call", req.Kind)
	}
	return b.async.Start(ctx, req)
}

func (r *Registry) Poll(ctx context.Context, kind, ref string) (Status, error) {
	b, err := r.lookup(kind)
	if err != nil {
		return nil, err
	}
	if b.async == nil {
		return nil, fmt.Errorf("kind %q is sync: nothing to poll", kind)
	}
	return b.async.Poll(ctx, ref)
}
