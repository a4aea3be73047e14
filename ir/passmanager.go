package ir

import "github.com/pkg/errors"

// Pass is one module transformation. Passes report failure through the
// returned error and may emit supporting detail into the diagnostics
// buffer.
type Pass interface {
	Name() string
	Run(m *Module, diags *Diagnostics) error
}

// PassManager runs an ordered pipeline of passes over a module. Clients
// populate it through the create-compilation-pipeline callback; the
// compiler appends the lowering passes that bring the module down to the
// core dialect.
type PassManager struct {
	passes []Pass
}

// NewPassManager returns an empty pipeline.
func NewPassManager() *PassManager { return &PassManager{} }

// AddPass appends a pass to the pipeline.
func (pm *PassManager) AddPass(p Pass) { pm.passes = append(pm.passes, p) }

// Run executes the pipeline in order, stopping at the first failure.
func (pm *PassManager) Run(m *Module, diags *Diagnostics) error {
	for _, p := range pm.passes {
		if err := p.Run(m, diags); err != nil {
			diags.Emit("pass '%s' failed: %v", p.Name(), err)
			return errors.Wrapf(err, "pass '%s'", p.Name())
		}
	}
	return nil
}

// PassFunc adapts a function to the Pass interface.
type PassFunc struct {
	PassName string
	Fn       func(m *Module, diags *Diagnostics) error
}

func (p PassFunc) Name() string { return p.PassName }

func (p PassFunc) Run(m *Module, diags *Diagnostics) error { return p.Fn(m, diags) }
