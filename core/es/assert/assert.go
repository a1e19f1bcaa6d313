// Package assert builds named preconditions for decide functions. A failed
// check reports which condition failed, so command rejections are readable
// without extra error plumbing.
package assert

import (
	"cmp"
	"errors"
	"fmt"
)

// ErrViolated is wrapped by every failed check.
var ErrViolated = errors.New("assertion failed")

type CondFunc func() bool

type Cond interface {
	String() string
	Eval() bool
	Check() error
}

type cond struct {
	name  string
	cond  CondFunc
	check func() error
}

func (c *cond) Check() error   { return c.check() }
func (c *cond) String() string { return c.name }
func (c *cond) Eval() bool     { return c.cond() }

func newCond(name string, condFn CondFunc) *cond {
	return &cond{name: name, cond: condFn, check: func() error {
		if !condFn() {
			return fmt.Errorf("%w: %s", ErrViolated, name)
		}
		return nil
	}}
}

func Not(c Cond) Cond {
	return newCond(fmt.Sprintf("[not](%s)", c.String()), func() bool { return !c.Eval() })
}
func True(v bool, name string) Cond  { return newCond(name, func() bool { return v }) }
func False(v bool, name string) Cond { return newCond(name, func() bool { return !v }) }

// AtMost holds when v <= limit.
func AtMost[T cmp.Ordered](v, limit T, name string) Cond {
	return newCond(fmt.Sprintf("%s: %v <= %v", name, v, limit), func() bool { return v <= limit })
}

// Positive holds when v > 0.
func Positive[T cmp.Ordered](v T, name string) Cond {
	var zero T
	return newCond(fmt.Sprintf("%s: %v > 0", name, v), func() bool { return v > zero })
}

// All holds when every c holds. Its Check reports the first failing one.
func All(cs ...Cond) Cond {
	all := newCond("all", func() bool {
		for _, c := range cs {
			if !c.Eval() {
				return false
			}
		}
		return true
	})

	all.check = func() error {
		for _, c := range cs {
			if err := c.Check(); err != nil {
				return err
			}
		}
		return nil
	}

	return all
}

// Check evaluates conds in order and returns the first violation.
func Check(conds ...Cond) error {
	return All(conds...).Check()
}
