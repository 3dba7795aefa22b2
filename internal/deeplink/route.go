package deeplink

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// MatchMode selects how route patterns compare to an inbound path.
type MatchMode int

// Match modes.
const (
	// MatchPrefix matches when the path starts with the pattern.
	MatchPrefix MatchMode = iota
	// MatchExact matches when the path equals the pattern.
	MatchExact
)

func (m MatchMode) String() string {
	switch m {
	case MatchPrefix:
		return "prefix"
	case MatchExact:
		return "exact"
	default:
		return fmt.Sprintf("MatchMode(%d)", int(m))
	}
}

// Navigator performs navigation inside the host application.
type Navigator interface {
	Navigate(ctx context.Context, route string, data Data)
}

// NavigatorFunc adapts a function to the Navigator interface.
type NavigatorFunc func(ctx context.Context, route string, data Data)

// Navigate calls f.
func (f NavigatorFunc) Navigate(ctx context.Context, route string, data Data) {
	f(ctx, route, data)
}

// RouteTarget is what a matched route does: either a NamedRoute or a
// CustomAction.
type RouteTarget interface {
	routeTarget()
}

// NamedRoute navigates to a named host route.
type NamedRoute struct {
	Name string
}

// CustomAction runs a host callback with the link and the navigator.
type CustomAction struct {
	Fn func(ctx context.Context, data Data, nav Navigator)
}

func (NamedRoute) routeTarget()   {}
func (CustomAction) routeTarget() {}

// Route maps a path pattern to a target.
type Route struct {
	Pattern string
	Target  RouteTarget
}

// Sentinel errors for route registration.
var (
	ErrRoutesRegistered = errors.New("deeplink: routes already registered")
	ErrInvalidRoute     = errors.New("deeplink: invalid route")
)

type action func(ctx context.Context, data Data, nav Navigator)

type compiledRoute struct {
	pattern string
	act     action
}

func (c compiledRoute) matches(path string, mode MatchMode) bool {
	if mode == MatchExact {
		return path == c.pattern
	}
	return strings.HasPrefix(path, c.pattern)
}

// compile resolves each target to its action once, at registration.
func compile(routes []Route) ([]compiledRoute, error) {
	out := make([]compiledRoute, 0, len(routes))
	for i, r := range routes {
		if r.Pattern == "" {
			return nil, fmt.Errorf("%w: route %d has an empty pattern", ErrInvalidRoute, i)
		}

		var act action
		switch t := r.Target.(type) {
		case NamedRoute:
			if t.Name == "" {
				return nil, fmt.Errorf("%w: %q has an empty route name", ErrInvalidRoute, r.Pattern)
			}
			name := t.Name
			act = func(ctx context.Context, data Data, nav Navigator) {
				nav.Navigate(ctx, name, data)
			}
		case CustomAction:
			if t.Fn == nil {
				return nil, fmt.Errorf("%w: %q has a nil action", ErrInvalidRoute, r.Pattern)
			}
			act = t.Fn
		default:
			return nil, fmt.Errorf("%w: %q has no target", ErrInvalidRoute, r.Pattern)
		}

		out = append(out, compiledRoute{pattern: r.Pattern, act: act})
	}
	return out, nil
}
