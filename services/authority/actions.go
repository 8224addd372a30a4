package authority

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
)

// AnyDomain registers an action for every domain.
const AnyDomain = "*"

// ErrUnknownAction is returned for an action name not registered for a domain.
var ErrUnknownAction = errors.New("unknown action")

// ActionFunc computes an action result from the target artifact. The result
// is encoded as JSON and returned to the caller untouched.
type ActionFunc func(ctx context.Context, rec Record) (any, error)

// ActionRegistry maps (domain, name) to an ActionFunc.
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[string]map[string]ActionFunc
}

// NewActionRegistry returns a registry holding the built-in actions.
func NewActionRegistry() *ActionRegistry {
	r := &ActionRegistry{actions: make(map[string]map[string]ActionFunc)}
	r.Register(AnyDomain, "snapshot", snapshotAction)
	r.Register("logistics", "maintenanceAlert", maintenanceAlert)
	r.Register("fitness", "recomputeProgression", recomputeProgression)
	return r
}

// Register adds or replaces an action.
func (r *ActionRegistry) Register(domain, name string, fn ActionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.actions[domain] == nil {
		r.actions[domain] = make(map[string]ActionFunc)
	}
	r.actions[domain][name] = fn
}

// Lookup finds the action for domain, falling back to AnyDomain.
func (r *ActionRegistry) Lookup(domain, name string) (ActionFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.actions[domain][name]; ok {
		return fn, nil
	}
	if fn, ok := r.actions[AnyDomain][name]; ok {
		return fn, nil
	}
	return nil, fmt.Errorf("%w %q for domain %q", ErrUnknownAction, name, domain)
}

// Names lists the actions available to domain.
func (r *ActionRegistry) Names(domain string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]struct{}{}
	for _, d := range []string{domain, AnyDomain} {
		for name := range r.actions[d] {
			seen[name] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func snapshotAction(_ context.Context, rec Record) (any, error) {
	return map[string]any{
		"id":      rec.ID,
		"version": rec.Version,
		"title":   rec.Title,
		"data":    rec.Data,
	}, nil
}

func maintenanceAlert(_ context.Context, rec Record) (any, error) {
	mileage, err := number(rec.Data, "mileage")
	if err != nil {
		return nil, err
	}
	next, err := number(rec.Data, "nextServiceMileage")
	if err != nil {
		return nil, err
	}
	remaining := next - mileage
	return map[string]any{
		"overdue":   remaining <= 0,
		"remaining": math.Max(remaining, 0),
	}, nil
}

const defaultProgressionIncrement = 0.025

func recomputeProgression(_ context.Context, rec Record) (any, error) {
	weight, err := number(rec.Data, "weight")
	if err != nil {
		return nil, err
	}
	increment := defaultProgressionIncrement
	if _, ok := rec.Data["increment"]; ok {
		if increment, err = number(rec.Data, "increment"); err != nil {
			return nil, err
		}
	}
	next := math.Round(weight*(1+increment)*2) / 2
	return map[string]any{
		"previous":  weight,
		"next":      next,
		"increment": increment,
	}, nil
}

func number(data map[string]any, field string) (float64, error) {
	switch v := data[field].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("field %q is not a number: %q", field, v)
		}
		return f, nil
	case nil:
		return 0, fmt.Errorf("field %q is required", field)
	default:
		return 0, fmt.Errorf("field %q is not a number", field)
	}
}
