package jitrt

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/jitrt-go/jitrt/ir"
)

// JitExecutable is the client entry point: it owns the IR text, the
// compilation options, the optional default executable, and the cache of
// executables specialized to concrete operands.
//
// A JitExecutable is safe for concurrent use; GetExecutable may be called
// from multiple goroutines.
type JitExecutable struct {
	irText     string
	entrypoint string
	cfg        *CompileConfig

	defaultExec *Executable
	defaultErr  error

	// The specialization cache. Entries are permanent for the lifetime of
	// the JitExecutable: an operand fingerprint maps to either a compiled
	// executable or the compilation error it produced.
	mu              sync.Mutex
	specializations map[uint64]*cacheEntry
}

type cacheEntry struct {
	exec *Executable
	err  error
}

// NewJitExecutable instantiates a JitExecutable from IR text, an
// entrypoint name and compilation options. Depending on the specialization
// policy it compiles the default (unspecialized) executable eagerly.
func NewJitExecutable(irText, entrypoint string, cfg *CompileConfig) (*JitExecutable, error) {
	if cfg == nil {
		cfg = NewCompileConfig()
	}

	ctx, err := newCompilationContext(cfg, irText)
	if err != nil {
		return nil, err
	}
	entry, err := ir.ResolveEntrypoint(ctx.module, entrypoint)
	if err != nil {
		return nil, errors.Wrap(ErrCompilation, err.Error())
	}
	required := ir.SpecializationRequired(entry)

	j := &JitExecutable{
		irText:          irText,
		entrypoint:      entrypoint,
		cfg:             cfg,
		specializations: map[uint64]*cacheEntry{},
	}

	switch cfg.specialization {
	case SpecializationDisabled:
		if required {
			return nil, errors.Wrap(ErrSpecialization,
				"the entrypoint requires specialization but the policy disables it")
		}
		if j.defaultExec, err = ctx.compile(entrypoint); err != nil {
			return nil, err
		}

	case SpecializationAlways:
		j.defaultErr = errors.New("default executable is not available: specialization is always required")

	case SpecializationEnabled:
		if required {
			j.defaultErr = errors.New(
				"default executable is not available: an input requires specialization")
			break
		}
		if j.defaultExec, err = ctx.compile(entrypoint); err != nil {
			return nil, err
		}
	}
	return j, nil
}

// DefaultExecutable returns the executable compiled without any
// specialization, or the reason it is unavailable.
func (j *JitExecutable) DefaultExecutable() (*Executable, error) {
	if j.defaultExec != nil {
		return j.defaultExec, nil
	}
	return nil, j.defaultErr
}

// Fingerprint hashes the operands' properties that participate in
// specialization: rank, sizes and element type per operand. Strides and
// data pointers deliberately do not contribute. Element types do, to keep
// same-shaped operands of different dtypes from aliasing a cache entry.
func Fingerprint(operands ArgumentsRef) uint64 {
	h := xxhash.New()
	var buf [8]byte
	writeU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	for i := 0; i < operands.Len(); i++ {
		if desc, ok := operands.At(i).(*MemrefDesc); ok {
			writeU64(uint64(desc.Rank()))
			writeU64(uint64(desc.DType()))
			for _, s := range desc.Sizes() {
				writeU64(uint64(s))
			}
			continue
		}
		// Non-shaped operands carry nothing to specialize on.
		writeU64(^uint64(0))
	}
	return h.Sum64()
}

// GetExecutable returns an executable specialized to the operands,
// compiling one on a cache miss. Compilation runs outside the cache lock;
// when two goroutines race on the same fingerprint the loser discards its
// compile and returns the installed entry. A compilation error is as
// permanent as a compiled executable.
func (j *JitExecutable) GetExecutable(operands ArgumentsRef) (*Executable, error) {
	if j.cfg.specialization == SpecializationDisabled {
		return j.DefaultExecutable()
	}

	fingerprint := Fingerprint(operands)

	j.mu.Lock()
	if entry, ok := j.specializations[fingerprint]; ok {
		j.mu.Unlock()
		return entry.get()
	}
	j.mu.Unlock()

	exec, err := j.compileSpecialized(operands)

	j.mu.Lock()
	if installed, ok := j.specializations[fingerprint]; ok {
		// Another goroutine installed an entry while we compiled; the
		// local compile is discarded and its engine torn down.
		j.mu.Unlock()
		if exec != nil {
			exec.Close()
		}
		return installed.get()
	}
	entry := &cacheEntry{exec: exec, err: err}
	j.specializations[fingerprint] = entry
	j.mu.Unlock()
	return entry.get()
}

func (e *cacheEntry) get() (*Executable, error) {
	if e.err != nil {
		return nil, errors.Wrap(e.err, "compilation of specialized function failed")
	}
	return e.exec, nil
}

func (j *JitExecutable) compileSpecialized(operands ArgumentsRef) (*Executable, error) {
	ctx, err := newCompilationContext(j.cfg, j.irText)
	if err != nil {
		// Parsing succeeded at instantiation, so it must succeed here.
		return nil, err
	}
	if err := ctx.specialize(operands, j.entrypoint); err != nil {
		return nil, err
	}
	return ctx.compile(j.entrypoint)
}
