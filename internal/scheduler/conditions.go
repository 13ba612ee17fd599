package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

type ConditionKind string

const (
	TimeWindow ConditionKind = "time_window"
	Weekdays   ConditionKind = "weekdays"
	Flag       ConditionKind = "flag"
	Custom     ConditionKind = "custom"
)

// Condition is a tagged variant; only the fields of its Kind are read.
//
//	time_window: StartHour..EndHour inclusive, wraps midnight when Start > End
//	weekdays:    Days ("mon".."sun")
//	flag:        Key, true in the flag source
//	custom:      Name of a registered predicate, Params passed through
type Condition struct {
	Kind      ConditionKind  `json:"kind"`
	StartHour int            `json:"start_hour,omitempty"`
	EndHour   int            `json:"end_hour,omitempty"`
	Days      []string       `json:"days,omitempty"`
	Key       string         `json:"key,omitempty"`
	Negate    bool           `json:"negate,omitempty"`
	Name      string         `json:"name,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

func (c Condition) clone() Condition {
	cp := c
	cp.Days = append([]string(nil), c.Days...)
	if c.Params != nil {
		cp.Params = make(map[string]any, len(c.Params))
		for k, v := range c.Params {
			cp.Params[k] = v
		}
	}
	return cp
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) > 3 {
		s = s[:3]
	}
	d, ok := weekdayNames[s]
	return d, ok
}

func (c Condition) Validate() error {
	switch c.Kind {
	case TimeWindow:
		if c.StartHour < 0 || c.StartHour > 23 || c.EndHour < 0 || c.EndHour > 23 {
			return fmt.Errorf("%w: time_window hours must be within 0-23", ErrInvalid)
		}
	case Weekdays:
		if len(c.Days) == 0 {
			return fmt.Errorf("%w: weekdays needs at least one day", ErrInvalid)
		}
		for _, d := range c.Days {
			if _, ok := parseWeekday(d); !ok {
				return fmt.Errorf("%w: unknown weekday %q", ErrInvalid, d)
			}
		}
	case Flag:
		if c.Key == "" {
			return fmt.Errorf("%w: flag condition needs a key", ErrInvalid)
		}
	case Custom:
		if c.Name == "" {
			return fmt.Errorf("%w: custom condition needs a name", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown condition kind %q", ErrInvalid, c.Kind)
	}
	return nil
}

// FlagSource exposes external boolean state to flag conditions.
type FlagSource interface {
	Flag(ctx context.Context, key string) (bool, error)
}

// Predicate implements a custom condition.
type Predicate func(ctx context.Context, params map[string]any, now time.Time) (bool, error)

// Conditions evaluates condition lists. The zero value has no flags and no
// custom predicates.
type Conditions struct {
	mu     sync.RWMutex
	flags  FlagSource
	custom map[string]Predicate
	loc    *time.Location
}

func NewConditions(flags FlagSource, loc *time.Location) *Conditions {
	if loc == nil {
		loc = time.UTC
	}
	return &Conditions{flags: flags, custom: map[string]Predicate{}, loc: loc}
}

func (cs *Conditions) Register(name string, p Predicate) {
	cs.mu.Lock()
	if cs.custom == nil {
		cs.custom = map[string]Predicate{}
	}
	cs.custom[name] = p
	cs.mu.Unlock()
}

// Evaluate reports whether every condition holds at now. An empty list
// holds.
func (cs *Conditions) Evaluate(ctx context.Context, conds []Condition, now time.Time) (bool, error) {
	for _, c := range conds {
		ok, err := cs.one(ctx, c, now)
		if err != nil {
			return false, fmt.Errorf("%s condition: %w", c.Kind, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (cs *Conditions) one(ctx context.Context, c Condition, now time.Time) (bool, error) {
	loc := cs.loc
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	switch c.Kind {
	case TimeWindow:
		h := local.Hour()
		if c.StartHour <= c.EndHour {
			return h >= c.StartHour && h <= c.EndHour, nil
		}
		return h >= c.StartHour || h <= c.EndHour, nil
	case Weekdays:
		for _, d := range c.Days {
			if wd, ok := parseWeekday(d); ok && wd == local.Weekday() {
				return true, nil
			}
		}
		return false, nil
	case Flag:
		if cs.flags == nil {
			return false, fmt.Errorf("no flag source for %q", c.Key)
		}
		v, err := cs.flags.Flag(ctx, c.Key)
		if err != nil {
			return false, err
		}
		return v != c.Negate, nil
	case Custom:
		cs.mu.RLock()
		p := cs.custom[c.Name]
		cs.mu.RUnlock()
		if p == nil {
			return false, fmt.Errorf("no predicate registered as %q", c.Name)
		}
		return p(ctx, c.Params, now)
	}
	return false, fmt.Errorf("unknown kind %q", c.Kind)
}

// StaticFlags is an in-memory FlagSource.
type StaticFlags struct {
	mu sync.RWMutex
	m  map[string]bool
}

func NewStaticFlags(init map[string]bool) *StaticFlags {
	f := &StaticFlags{m: map[string]bool{}}
	for k, v := range init {
		f.m[k] = v
	}
	return f
}

func (f *StaticFlags) Set(key string, v bool) {
	f.mu.Lock()
	f.m[key] = v
	f.mu.Unlock()
}

func (f *StaticFlags) Flag(_ context.Context, key string) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.m[key], nil
}
