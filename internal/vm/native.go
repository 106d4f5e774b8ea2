// Copyright 2024 The xivm Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package vm

import "fmt"

// NativeHandle identifies a dynamic library a native ModRef resolved
// to. It is opaque to the loader: only a NativeResolver interprets it.
type NativeHandle interface {
	// Name returns the library name the handle was resolved from, for
	// diagnostics.
	Name() string
}

// NativeResolver locates the dynamic library backing a native ModRef
// and invokes a native method's bound symbol. Callers supply their own
// resolver; DenyAllResolver is the zero-value default used when none
// is configured.
type NativeResolver interface {
	// Resolve locates the dynamic library named name.
	Resolve(name string) (NativeHandle, error)

	// Invoke calls the symbol binding's entry point with args already
	// converted to Go values matching the method's parameter types,
	// returning a value matching its return type (nil for void).
	Invoke(binding *NativeBinding, args []any) (any, error)
}

// DenyAllResolver is the default NativeResolver: every module that
// declares a native ModRef fails to link unless the embedder supplies
// its own resolver. Native linkage is explicit and pluggable, never a
// silent fallthrough to the host's dynamic loader.
type DenyAllResolver struct{}

func (DenyAllResolver) Resolve(name string) (NativeHandle, error) {
	return nil, fmt.Errorf("vm: native module %q: %w: no NativeResolver configured", name, ErrLink)
}

func (DenyAllResolver) Invoke(binding *NativeBinding, args []any) (any, error) {
	return nil, fmt.Errorf("vm: native call %q: %w: no NativeResolver configured", binding.Symbol, ErrRuntime)
}

// namedHandle is the NativeHandle implementation a resolver can return
// when the library name is all it needs to carry.
type namedHandle string

func (n namedHandle) Name() string { return string(n) }
