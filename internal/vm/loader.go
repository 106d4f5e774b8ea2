// Copyright 2024 The xivm Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package vm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/xipotatonium/xivm/internal/log"
	"github.com/xipotatonium/xivm/xibc"
)

// Options configures a Loader: the external-module search paths, the
// native-library resolver, and a pluggable logger.
type Options struct {
	// SearchPaths is tried, in order, for a ModRef whose root does not
	// match the entry module's root. First match wins; a second match
	// is a fatal ambiguity.
	SearchPaths []string

	// Resolver locates and invokes native (ImplMap-bound) modules.
	// Defaults to DenyAllResolver.
	Resolver NativeResolver

	// Logger receives version-mismatch warnings. Defaults to log.Default.
	Logger log.Logger
}

func (o *Options) resolver() NativeResolver {
	if o.Resolver != nil {
		return o.Resolver
	}
	return DenyAllResolver{}
}

func (o *Options) logger() log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.Default
}

// Loader drives the recursive load/link algorithm: read and decode,
// allocate descriptors, recurse on ModRefs, then resolve every token
// to a direct pointer. It owns the shared runtime state every loaded
// module links against: the static area, the heap, and the module
// table.
type Loader struct {
	opts Options

	rootDir  string // absolute directory containing the entry module file
	rootName string // entry module's fullname, e.g. "app"

	// classPool caches resolved *TypeDescriptor by "modulename/TypeName"
	// so repeated TypeRef resolution across call sites is O(1).
	classPool map[string]*TypeDescriptor

	// Raw signature blobs stashed during allocateDescriptors and
	// consumed by populateSignatures once TypeRefs are resolved; see
	// the comment on allocateDescriptors for why these two passes
	// cannot run as one.
	fieldSig  map[*FieldDescriptor]xibc.Blob
	methodSig map[*MethodDescriptor]xibc.Blob
	localsSig map[*MethodDescriptor]xibc.Blob

	Modules *ModuleTable
	Statics *StaticArea
	Heap    *Heap

	// CCtors accumulates every .cctor discovered, across every module
	// visited, in discovery (recursion) order; the interpreter runs
	// them all before entering the entrypoint.
	CCtors []*MethodDescriptor
}

// ModuleTable is the loader's module registry, keyed by fullname. A
// module is registered before its ModRefs are recursively loaded, so a
// reference cycle resolves to the already-registered entry instead of
// recursing forever.
type ModuleTable struct {
	byName map[string]*Module
	order  []string
}

func newModuleTable() *ModuleTable {
	return &ModuleTable{byName: make(map[string]*Module)}
}

func (t *ModuleTable) get(name string) (*Module, bool) {
	m, ok := t.byName[name]
	return m, ok
}

func (t *ModuleTable) put(name string, m *Module) {
	if _, exists := t.byName[name]; !exists {
		t.order = append(t.order, name)
	}
	t.byName[name] = m
}

// Names returns every module fullname in discovery order.
func (t *ModuleTable) Names() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Load runs the full algorithm starting from the entry module file at
// path, returning the loader (for its Modules/Statics/Heap/CCtors) and
// the entry module's descriptor.
func Load(path string, opts Options) (*Loader, *Module, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, fmt.Errorf("vm: resolving entry path: %w", err)
	}
	l := &Loader{
		opts:      opts,
		rootDir:   filepath.Dir(abs),
		classPool: make(map[string]*TypeDescriptor),
		fieldSig:  make(map[*FieldDescriptor]xibc.Blob),
		methodSig: make(map[*MethodDescriptor]xibc.Blob),
		localsSig: make(map[*MethodDescriptor]xibc.Blob),
		Modules:   newModuleTable(),
		Statics:   NewStaticArea(),
		Heap:      NewHeap(),
	}

	entry, err := l.loadFile(abs)
	if err != nil {
		return nil, nil, err
	}

	// The resolve passes run over every module in discovery order, once
	// everything reachable from the entry has been read and descriptor-
	// allocated (loadFile recurses through ModRefs, so by the time it
	// returns for the entry, every module is present in l.Modules).
	// Signature translation runs ahead of MemberRef matching; see
	// allocateDescriptors's doc comment.
	for _, name := range l.Modules.Names() {
		mod, _ := l.Modules.get(name)
		if err := l.resolveTypeRefs(mod); err != nil {
			return nil, nil, err
		}
	}
	for _, name := range l.Modules.Names() {
		mod, _ := l.Modules.get(name)
		if err := l.populateSignatures(mod); err != nil {
			return nil, nil, err
		}
	}
	for _, name := range l.Modules.Names() {
		mod, _ := l.Modules.get(name)
		if err := l.resolveMemberRefs(mod); err != nil {
			return nil, nil, err
		}
	}
	for _, name := range l.Modules.Names() {
		mod, _ := l.Modules.get(name)
		if err := l.linkExtends(mod); err != nil {
			return nil, nil, err
		}
	}
	if err := l.finalizeInstanceLayout(); err != nil {
		return nil, nil, err
	}
	if err := l.assignVSlots(); err != nil {
		return nil, nil, err
	}

	epTok := entry.File.Tables.Mod[0].Entrypoint
	if !epTok.IsNil() {
		if epTok.Tag() != xibc.TagMethodDef {
			return nil, nil, linkErrorf(entry.FullName, "entrypoint token must be a MethodDef, got %s", epTok.Tag())
		}
		idx := int(epTok.Index())
		if idx == 0 || idx > len(entry.MethodDefs) {
			return nil, nil, linkErrorf(entry.FullName, "entrypoint MethodDef[%d] out of range", idx)
		}
		entry.Entrypoint = entry.MethodDefs[idx-1]
	}

	return l, entry, nil
}

// loadFile handles a single module file: read, decode, allocate
// descriptors and lay out storage, register the module, then recurse
// on its ModRefs.
func (l *Loader) loadFile(path string) (*Module, error) {
	data, err := readModuleFile(path)
	if err != nil {
		return nil, err
	}
	logger := l.opts.logger()
	file, err := xibc.DecodeModule(data, func(msg string) { logger.Warnf("%s", msg) })
	if err != nil {
		return nil, fmt.Errorf("vm: decoding %s: %w", path, err)
	}
	if len(file.Tables.Mod) != 1 {
		return nil, linkErrorf(path, "module must declare exactly one Mod row, found %d", len(file.Tables.Mod))
	}
	fullName := file.Heaps.Str(file.Tables.Mod[0].Name)
	if l.rootName == "" {
		// First file in is the entry module; its top-level name decides
		// which ModRefs are sub-modules of this root.
		l.rootName = rootOf(fullName)
	}

	mod := &Module{FullName: fullName, File: file}

	// Allocate type/field/method descriptors and lay out static and
	// instance storage, inserting into the module table before any
	// recursion so a cycle back to this module resolves to the same,
	// already-registered *Module (idempotent load).
	l.Modules.put(fullName, mod)
	if err := l.allocateDescriptors(mod); err != nil {
		return nil, err
	}

	// Recurse on ModRefs.
	mod.ModRefs = make([]*ModRefEntry, len(file.Tables.ModRef))
	for i, row := range file.Tables.ModRef {
		refName := file.Heaps.Str(row.Name)
		if l.modRefIsNativeOnly(file, i) {
			handle, err := l.opts.resolver().Resolve(refName)
			if err != nil {
				return nil, linkErrorf(fullName, "resolving native module %q: %v", refName, err)
			}
			mod.ModRefs[i] = &ModRefEntry{Name: refName, Native: true, Handle: handle}
			continue
		}
		if existing, ok := l.Modules.get(refName); ok {
			mod.ModRefs[i] = &ModRefEntry{Name: refName, Module: existing}
			continue
		}
		refPath, err := l.resolveModulePath(refName)
		if err != nil {
			return nil, linkErrorf(fullName, "resolving ModRef %q: %v", refName, err)
		}
		refMod, err := l.loadFile(refPath)
		if err != nil {
			return nil, err
		}
		mod.ModRefs[i] = &ModRefEntry{Name: refName, Module: refMod}
	}

	if err := l.bindNativeMethods(mod); err != nil {
		return nil, err
	}

	return mod, nil
}

// modRefIsNativeOnly reports whether ModRef index refIdx is the Scope
// of at least one ImplMap row and is never the parent of a TypeRef: a
// ModRef referenced only by ImplMap rows is a dynamic library, not a
// loadable module file.
func (l *Loader) modRefIsNativeOnly(file *xibc.Module, refIdx int) bool {
	referencedByImplMap := false
	for _, row := range file.Tables.ImplMap {
		if int(row.Scope)-1 == refIdx {
			referencedByImplMap = true
			break
		}
	}
	if !referencedByImplMap {
		return false
	}
	want := xibc.MakeToken(xibc.TagModRef, uint32(refIdx+1))
	for _, tr := range file.Tables.TypeRef {
		if tr.Parent == want {
			return false
		}
	}
	return true
}

// resolveModulePath locates the file backing a ModRef. A fullname
// under the entry's root ("root/a/b/c") is searched inside the root
// directory as a/b/c.xibc then a/b/c/c.xibc; anything else is tried
// against each external search path in order. Two candidate files for
// the same name is a fatal ambiguity either way.
func (l *Loader) resolveModulePath(fullName string) (string, error) {
	parts := strings.Split(fullName, "/")
	if len(parts) > 0 && parts[0] == l.rootName {
		rel := parts[1:]
		if len(rel) == 0 {
			return "", fmt.Errorf("ModRef %q names the root module itself", fullName)
		}
		flat := filepath.Join(l.rootDir, filepath.Join(rel...)+".xibc")
		nested := filepath.Join(l.rootDir, filepath.Join(rel...), rel[len(rel)-1]+".xibc")
		flatOK := fileExists(flat)
		nestedOK := fileExists(nested)
		switch {
		case flatOK && nestedOK:
			return "", fmt.Errorf("ambiguous module file for %q: both %s and %s exist", fullName, flat, nested)
		case flatOK:
			return flat, nil
		case nestedOK:
			return nested, nil
		default:
			return "", fmt.Errorf("no module file found for %q under %s", fullName, l.rootDir)
		}
	}

	var found string
	for _, sp := range l.opts.SearchPaths {
		candidate := filepath.Join(sp, fullName+".xibc")
		if fileExists(candidate) {
			if found != "" {
				return "", fmt.Errorf("ambiguous module file for %q: both %s and %s match", fullName, found, candidate)
			}
			found = candidate
		}
	}
	if found == "" {
		return "", fmt.Errorf("module %q not found on any search path", fullName)
	}
	return found, nil
}

func rootOf(fullName string) string {
	if i := strings.IndexByte(fullName, '/'); i >= 0 {
		return fullName[:i]
	}
	return fullName
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// readModuleFile mmaps path read-only. A .xibc module is read once and
// never written back, so a zero-copy mapping avoids buffering the
// whole file for what may be a large generated module.
func readModuleFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("vm: opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("vm: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("vm: %s is empty", path)
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("vm: mapping %s: %w", path, err)
	}
	out := make([]byte, len(data))
	copy(out, data)
	data.Unmap()
	return out, nil
}
