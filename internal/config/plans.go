package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Plan maps a purchasable duration to its price and the role it grants.
type Plan struct {
	ID           string  `yaml:"id" json:"id"`
	Label        string  `yaml:"label" json:"label"`
	Price        float64 `yaml:"price" json:"price"`
	DurationDays int     `yaml:"duration_days" json:"duration_days"`
	RoleID       string  `yaml:"role_id" json:"role_id"`
}

type plansFile struct {
	Plans []Plan `yaml:"plans"`
}

// ParsePlans decodes and validates a YAML plan catalog.
func ParsePlans(data []byte) ([]Plan, error) {
	var f plansFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode plans: %w", err)
	}
	if len(f.Plans) == 0 {
		return nil, fmt.Errorf("plan catalog is empty")
	}

	seen := make(map[string]struct{}, len(f.Plans))
	for i := range f.Plans {
		p := &f.Plans[i]
		p.ID = strings.TrimSpace(p.ID)
		p.RoleID = strings.TrimSpace(p.RoleID)
		if p.ID == "" {
			return nil, fmt.Errorf("plan %d: id is required", i)
		}
		if strings.ContainsAny(p.ID, ": ") {
			return nil, fmt.Errorf("plan %q: id must not contain spaces or colons", p.ID)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("plan %q: duplicate id", p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.Price <= 0 {
			return nil, fmt.Errorf("plan %q: price must be positive", p.ID)
		}
		if p.DurationDays <= 0 {
			return nil, fmt.Errorf("plan %q: duration_days must be positive", p.ID)
		}
		if p.RoleID == "" {
			return nil, fmt.Errorf("plan %q: role_id is required", p.ID)
		}
		if strings.TrimSpace(p.Label) == "" {
			p.Label = fmt.Sprintf("%d days", p.DurationDays)
		}
	}
	return f.Plans, nil
}

// LoadPlans reads a plan catalog file.
func LoadPlans(path string) ([]Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plans file: %w", err)
	}
	plans, err := ParsePlans(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return plans, nil
}

// Catalog is the live, swappable plan set.
type Catalog struct {
	mu    sync.RWMutex
	plans map[string]Plan
}

// NewCatalog returns a catalog holding plans.
func NewCatalog(plans []Plan) *Catalog {
	c := &Catalog{}
	c.Replace(plans)
	return c
}

// Replace atomically swaps the plan set.
func (c *Catalog) Replace(plans []Plan) {
	next := make(map[string]Plan, len(plans))
	for _, p := range plans {
		next[p.ID] = p
	}
	c.mu.Lock()
	c.plans = next
	c.mu.Unlock()
}

// Plan looks up a plan by ID.
func (c *Catalog) Plan(id string) (Plan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.plans[id]
	return p, ok
}

// List returns the plans ordered by duration, then price.
func (c *Catalog) List() []Plan {
	c.mu.RLock()
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DurationDays != out[j].DurationDays {
			return out[i].DurationDays < out[j].DurationDays
		}
		return out[i].Price < out[j].Price
	})
	return out
}
