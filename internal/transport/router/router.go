// Package router selects a transport backend per address, so that e.g. dispatch messages for one
// stage go out as Kubernetes Jobs while every result comes back over Redis.
package router

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/ChuLiYu/stageflow/internal/transport"
)

// Rule binds addresses matching Pattern (path.Match syntax, e.g. "stage.*.result") to named
// backends. An empty Sender or Receiver falls through to the next matching rule.
type Rule struct {
	Pattern  string
	Sender   string
	Receiver string
}

// Router implements transport.Transport by delegating to named backends.
type Router struct {
	backends map[string]transport.Transport
	senders  map[string]transport.Sender
	rules    []Rule
	fallback string
}

var _ transport.Transport = (*Router)(nil)

// Config lists the named backends and the routing rules.
type Config struct {
	Backends map[string]transport.Transport
	// Senders are send-only backends (e.g. kubernetes launch mode). The router does not close them.
	Senders  map[string]transport.Sender
	Fallback string
	Rules    []Rule
}

// New validates cfg and creates a router.
func New(cfg Config) (*Router, error) {
	if _, ok := cfg.Backends[cfg.Fallback]; !ok {
		return nil, fmt.Errorf("fallback backend %q is not configured", cfg.Fallback)
	}
	senders := cfg.Senders
	if senders == nil {
		senders = map[string]transport.Sender{}
	}
	for _, rule := range cfg.Rules {
		if _, err := path.Match(rule.Pattern, ""); err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.Pattern, err)
		}
		if _, ok := cfg.Backends[rule.Receiver]; rule.Receiver != "" && !ok {
			return nil, fmt.Errorf("rule %q references unknown receiver %q", rule.Pattern, rule.Receiver)
		}
		_, isBackend := cfg.Backends[rule.Sender]
		_, isSender := senders[rule.Sender]
		if rule.Sender != "" && !isBackend && !isSender {
			return nil, fmt.Errorf("rule %q references unknown sender %q", rule.Pattern, rule.Sender)
		}
	}
	return &Router{backends: cfg.Backends, senders: senders, rules: cfg.Rules, fallback: cfg.Fallback}, nil
}

func (r *Router) resolve(addr transport.Address, pick func(Rule) string) string {
	for _, rule := range r.rules {
		name := pick(rule)
		if name == "" {
			continue
		}
		if ok, _ := path.Match(rule.Pattern, string(addr)); ok {
			return name
		}
	}
	return r.fallback
}

// SenderFor returns the backend name used to send to addr.
func (r *Router) SenderFor(addr transport.Address) string {
	return r.resolve(addr, func(rule Rule) string { return rule.Sender })
}

// ReceiverFor returns the backend name used to receive from addr.
func (r *Router) ReceiverFor(addr transport.Address) string {
	return r.resolve(addr, func(rule Rule) string { return rule.Receiver })
}

func (r *Router) Send(ctx context.Context, addr transport.Address, env transport.Envelope) error {
	name := r.SenderFor(addr)
	if s, ok := r.senders[name]; ok {
		return s.Send(ctx, addr, env)
	}
	b, ok := r.backends[name]
	if !ok {
		return fmt.Errorf("%w: %q for %s", transport.ErrNoBackend, name, addr)
	}
	return b.Send(ctx, addr, env)
}

func (r *Router) Receive(ctx context.Context, addr transport.Address) (transport.Subscription, error) {
	name := r.ReceiverFor(addr)
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q for %s", transport.ErrNoBackend, name, addr)
	}
	return b.Receive(ctx, addr)
}

// Close closes every backend and joins their errors.
func (r *Router) Close() error {
	var errs []error
	for name, b := range r.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
