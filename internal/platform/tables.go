package platform

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/GriffinCanCode/saltwater/internal/kernel/proc"
)

// DescriptorTables is the per-core descriptor state. The dedicated
// interrupt, double-fault and critical stacks must be mapped before the
// core dispatches its first thread.
type DescriptorTables struct {
	Core        int
	Interrupt   *proc.Stack
	DoubleFault *proc.Stack
	Critical    *proc.Stack
	loaded      atomic.Bool
}

// NewDescriptorTables maps the dedicated stacks for core.
func NewDescriptorTables(core int, stacks *proc.StackPool) (*DescriptorTables, error) {
	d := &DescriptorTables{Core: core}
	for _, slot := range []**proc.Stack{&d.Interrupt, &d.DoubleFault, &d.Critical} {
		s, err := stacks.Acquire()
		if err != nil {
			return nil, errors.Join(fmt.Errorf("core %d descriptor stacks: %w", core, err), d.Release(stacks))
		}
		*slot = s
	}
	return d, nil
}

// Load marks the tables as installed on their core.
func (d *DescriptorTables) Load() {
	d.loaded.Store(true)
}

// Loaded reports whether Load ran.
func (d *DescriptorTables) Loaded() bool {
	return d.loaded.Load()
}

// Stacks returns the dedicated stacks in interrupt-stack-table order.
func (d *DescriptorTables) Stacks() []*proc.Stack {
	return []*proc.Stack{d.Interrupt, d.DoubleFault, d.Critical}
}

// Release unmaps the dedicated stacks.
func (d *DescriptorTables) Release(stacks *proc.StackPool) error {
	var errs []error
	for _, slot := range []**proc.Stack{&d.Interrupt, &d.DoubleFault, &d.Critical} {
		if *slot == nil {
			continue
		}
		if err := stacks.Release(*slot); err != nil {
			errs = append(errs, err)
		}
		*slot = nil
	}
	d.loaded.Store(false)
	return errors.Join(errs...)
}
