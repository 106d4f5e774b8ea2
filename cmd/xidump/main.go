// Copyright 2024 The xivm Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// xidump inspects a compiled .xibc module: it decodes the metadata
// tables and heaps and prints the selected pieces as indented JSON,
// optionally checking the module's detached signature.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/xipotatonium/xivm/isa"
	"github.com/xipotatonium/xivm/xibc"
)

type config struct {
	wantMod       bool
	wantTypes     bool
	wantMembers   bool
	wantRefs      bool
	wantHeaps     bool
	wantCode      bool
	wantVerifySig bool
}

func prettyPrint(v any) {
	out, err := json.MarshalIndent(v, "", "\t")
	if err != nil {
		fmt.Fprintf(os.Stderr, "JSON marshal error: %v\n", err)
		return
	}
	fmt.Println(string(out))
}

// disassemble renders a Code row's instruction stream, one mnemonic per
// line, or the decode error if the stream is malformed.
func disassemble(insts []byte) []string {
	decoded, err := isa.DecodeStream(insts)
	if err != nil {
		return []string{fmt.Sprintf("<decode error: %v>", err)}
	}
	lines := make([]string, len(decoded))
	for i, inst := range decoded {
		lines[i] = fmt.Sprintf("%04d: %s", inst.Offset, inst.Op)
	}
	return lines
}

func dump(path string, cfg config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	m, err := xibc.DecodeModule(data, func(msg string) {
		fmt.Fprintln(os.Stderr, "WARN:", msg)
	})
	if err != nil {
		return err
	}

	fmt.Printf("%s: module %q, format version %d.%d\n",
		path, m.Heaps.Str(m.Tables.Mod[0].Name), m.MajorVersion, m.MinorVersion)

	if cfg.wantMod {
		prettyPrint(m.Tables.Mod)
		prettyPrint(m.Tables.ModRef)
	}
	if cfg.wantTypes {
		prettyPrint(m.Tables.TypeDef)
		prettyPrint(m.Tables.TypeRef)
		prettyPrint(m.Tables.TypeSpec)
	}
	if cfg.wantMembers {
		prettyPrint(m.Tables.Field)
		prettyPrint(m.Tables.MethodDef)
		prettyPrint(m.Tables.Param)
		prettyPrint(m.Tables.ImplMap)
	}
	if cfg.wantRefs {
		prettyPrint(m.Tables.MemberRef)
		prettyPrint(m.Tables.StandAloneSig)
	}
	if cfg.wantHeaps {
		prettyPrint(m.Heaps.Strings)
		prettyPrint(m.Heaps.UserStrings)
		sigs := make([]string, len(m.Heaps.Blobs))
		for i := range m.Heaps.Blobs {
			sigs[i] = m.Heaps.Blobs[i].String()
		}
		prettyPrint(sigs)
	}
	if cfg.wantCode {
		for i, row := range m.Tables.Code {
			fmt.Printf("Code[%d]: max-stack %d\n", i+1, row.MaxStack)
			for _, line := range disassemble(row.Insts) {
				fmt.Println("\t" + line)
			}
		}
	}
	if cfg.wantVerifySig {
		sig, err := os.ReadFile(path + xibc.SigFileSuffix)
		if err != nil {
			return fmt.Errorf("reading signature sidecar: %w", err)
		}
		info, err := xibc.VerifySignature(data, sig)
		prettyPrint(info)
		if err != nil {
			return err
		}
	}
	return nil
}

func main() {
	cfg := config{}
	flag.BoolVar(&cfg.wantMod, "mod", false, "dump the Mod and ModRef tables")
	flag.BoolVar(&cfg.wantTypes, "types", false, "dump the TypeDef/TypeRef/TypeSpec tables")
	flag.BoolVar(&cfg.wantMembers, "members", false, "dump the Field/MethodDef/Param/ImplMap tables")
	flag.BoolVar(&cfg.wantRefs, "refs", false, "dump the MemberRef and StandAloneSig tables")
	flag.BoolVar(&cfg.wantHeaps, "heaps", false, "dump the string, user-string and blob heaps")
	flag.BoolVar(&cfg.wantCode, "code", false, "disassemble every method body")
	flag.BoolVar(&cfg.wantVerifySig, "verify-sig", false,
		"verify the detached PKCS#7 signature in <module>.xibc.sig")
	all := flag.Bool("all", false, "dump everything")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: xidump [flags] <module.xibc>\n")
		flag.PrintDefaults()
		os.Exit(2)
	}
	if *all {
		cfg.wantMod = true
		cfg.wantTypes = true
		cfg.wantMembers = true
		cfg.wantRefs = true
		cfg.wantHeaps = true
		cfg.wantCode = true
	}

	if err := dump(flag.Arg(0), cfg); err != nil {
		fmt.Fprintf(os.Stderr, "xidump: %v\n", err)
		os.Exit(1)
	}
}
