// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package provider

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"

	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// Registry manages provider registration, lookup, and routing with failover.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider

	defaultRef string   // "provider/model" format
	failover   []string // ordered list of "provider/model" refs
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, quarryerr.New(
			quarryerr.CodeProviderNotFound,
			"provider not found: "+name,
			quarryerr.FieldProvider(name),
		)
	}
	return p, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetDefault sets the default "provider/model" reference used when a
// request names no model. Returns an error if the provider portion
// of the ref is not registered.
func (r *Registry) SetDefault(ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRefLocked("SetDefault", ref); err != nil {
		return err
	}
	r.defaultRef = ref
	return nil
}

// Default returns the default "provider/model" reference.
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultRef
}

// SetFailover sets the ordered failover chain of "provider/model" refs.
// Returns an error if any provider portion of the refs is not registered.
func (r *Registry) SetFailover(chain []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ref := range chain {
		if err := r.checkRefLocked("SetFailover", ref); err != nil {
			return err
		}
	}
	r.failover = append([]string(nil), chain...)
	return nil
}

// MaxAttempts returns 1 (primary) + len(failover chain), the number of
// distinct candidates one request may try.
func (r *Registry) MaxAttempts() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return 1 + len(r.failover)
}

// Route selects a provider for the given model name; an empty name selects
// the default. Providers named in exclude (already tried for this request)
// are skipped. Providers that report themselves unavailable are passed over
// in favour of a healthy candidate, but when every remaining candidate is
// cooling down the highest-priority one is returned anyway so a retried
// request still reaches a backend.
func (r *Registry) Route(ctx context.Context, tenantID, modelName string, exclude []string) (Provider, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ref, err := r.resolveRef(modelName)
	if err != nil {
		return nil, "", err
	}
	if ref == "" {
		return nil, "", quarryerr.New(
			quarryerr.CodeProviderNoDefault,
			"no default provider configured",
		)
	}

	var (
		cooling      Provider
		coolingModel string
	)
	for _, candidate := range append([]string{ref}, r.failover...) {
		provName, model := parseRef(candidate)
		if slices.Contains(exclude, provName) {
			continue
		}
		p, ok := r.providers[provName]
		if !ok {
			continue
		}
		if p.Available(ctx) {
			return p, model, nil
		}
		if cooling == nil {
			cooling, coolingModel = p, model
		}
	}

	if cooling != nil {
		slog.Debug("routing to unhealthy provider, no healthy candidate left",
			"provider", cooling.Name(), "model", coolingModel, "tenant_id", tenantID)
		return cooling, coolingModel, nil
	}
	return nil, "", quarryerr.New(
		quarryerr.CodeProviderAllUnavailable,
		"all providers unavailable: every candidate was already tried",
	)
}

// Statuses reports every registered provider, sorted by name.
func (r *Registry) Statuses(ctx context.Context) []ProviderStatus {
	var out []ProviderStatus
	for _, name := range r.Names() {
		p, err := r.Get(name)
		if err != nil {
			continue
		}
		st, err := p.Status(ctx)
		if err != nil {
			st = ProviderStatus{Provider: name, Message: err.Error()}
		}
		if hr, ok := p.(HealthReporter); ok && st.Health == nil {
			m := hr.HealthMetrics()
			st.Health = &m
		}
		out = append(out, st)
	}
	return out
}

// Close shuts down all registered providers.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, p := range r.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return quarryerr.Join(errs...)
	}
	return nil
}

func (r *Registry) checkRefLocked(op, ref string) error {
	provName, model := parseRef(ref)
	if model == "" {
		return quarryerr.Errorf(quarryerr.CodeProviderInvalidModelRef,
			"%s: model ref %q must use provider/model format", op, ref)
	}
	if _, ok := r.providers[provName]; !ok {
		return quarryerr.New(
			quarryerr.CodeProviderNotFound,
			op+": provider not registered: "+provName,
			quarryerr.FieldProvider(provName),
		)
	}
	return nil
}

// resolveRef determines which "provider/model" ref to use.
// Caller must hold r.mu (at least RLock).
func (r *Registry) resolveRef(modelName string) (string, error) {
	if modelName != "" && modelName != "default" {
		if !strings.Contains(modelName, "/") {
			return "", quarryerr.Errorf(
				quarryerr.CodeProviderInvalidModelRef,
				"model name %q must use provider/model format", modelName,
			)
		}
		return modelName, nil
	}
	return r.defaultRef, nil
}

// parseRef splits a "provider/model" reference on the first "/".
func parseRef(ref string) (providerName, model string) {
	idx := strings.Index(ref, "/")
	if idx < 0 {
		return ref, ""
	}
	return ref[:idx], ref[idx+1:]
}
