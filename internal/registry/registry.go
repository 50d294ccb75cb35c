// Package registry is the durable record of installed skills.
//
// Every method reads the complete record set from its Store and, when it
// mutates, rewrites it completely. Methods are atomic with respect to each
// other inside one process. No lock spans several calls: a caller that checks
// for a name and then inserts it can race with another caller doing the same,
// and the last writer wins.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/dyluth/skillbox/pkg/skill"
)

// Registry maps skill names to identities.
type Registry struct {
	store Store
	mu    sync.Mutex
}

// New creates a registry over store.
func New(store Store) *Registry {
	return &Registry{store: store}
}

// List returns all identities in storage order.
func (r *Registry) List(ctx context.Context) ([]skill.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, err := r.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return set.Skills, nil
}

// Get returns the identity for name. The boolean is false when absent.
func (r *Registry) Get(ctx context.Context, name string) (skill.Identity, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, err := r.store.Load(ctx)
	if err != nil {
		return skill.Identity{}, false, err
	}
	if i := indexOf(set, name); i >= 0 {
		return set.Skills[i], true, nil
	}
	return skill.Identity{}, false, nil
}

// Insert stores identity. If the name exists and overwrite is false it returns
// false without touching storage; with overwrite the old record is replaced.
func (r *Registry) Insert(ctx context.Context, identity skill.Identity, overwrite bool) (bool, error) {
	if err := identity.Validate(); err != nil {
		return false, fmt.Errorf("invalid identity: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, err := r.store.Load(ctx)
	if err != nil {
		return false, err
	}

	if i := indexOf(set, identity.Name); i >= 0 {
		if !overwrite {
			return false, nil
		}
		set.Skills = append(set.Skills[:i], set.Skills[i+1:]...)
	}
	set.Skills = append(set.Skills, identity)

	if err := r.store.Save(ctx, set); err != nil {
		return false, err
	}
	return true, nil
}

// Remove deletes the identity for name. It returns false when absent.
func (r *Registry) Remove(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, err := r.store.Load(ctx)
	if err != nil {
		return false, err
	}

	i := indexOf(set, name)
	if i < 0 {
		return false, nil
	}
	set.Skills = append(set.Skills[:i], set.Skills[i+1:]...)

	if err := r.store.Save(ctx, set); err != nil {
		return false, err
	}
	return true, nil
}

func indexOf(set *RecordSet, name string) int {
	for i := range set.Skills {
		if set.Skills[i].Name == name {
			return i
		}
	}
	return -1
}
