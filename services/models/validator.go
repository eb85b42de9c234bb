// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package models

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultScanDepth bounds how far below a model folder the validator looks.
const DefaultScanDepth = 3

// Validation reports which required assets a folder contains.
type Validation struct {
	HasCompiledModel bool `json:"hasCompiledModel"`
	HasTokenizer     bool `json:"hasTokenizer"`
}

// Valid reports whether both the compiled weights and a tokenizer exist.
func (v Validation) Valid() bool {
	return v.HasCompiledModel && v.HasTokenizer
}

// WeightsOnly reports a folder that has weights but no tokenizer, the one
// case tokenizer recovery can repair.
func (v Validation) WeightsOnly() bool {
	return v.HasCompiledModel && !v.HasTokenizer
}

// Validator inspects model folders. It never touches the network.
//
// # Description
//
// A folder is valid when, within MaxDepth levels, it contains at least one
// compiled model artifact and at least one tokenizer artifact.
//
// Compiled artifacts are directories named *.mlmodelc or *.mlpackage, or
// files named *.gguf, *.onnx, *.bin, or *.safetensors. Tokenizer artifacts
// are files whose lowercased name contains "tokenizer", "vocab", or
// "merges" (tokenizer.json, vocab.json, vocabulary.txt, merges.txt, ...),
// or a directory named "tokenizer" that contains at least one file.
//
// In-flight transfer artifacts (*.partial files and .tmp-* entries) never
// count, and a compiled directory only counts once it holds at least one
// complete file.
//
// # Thread Safety
//
// Stateless; safe for concurrent use.
type Validator struct {
	MaxDepth int
}

// NewValidator returns a Validator with DefaultScanDepth.
func NewValidator() *Validator {
	return &Validator{MaxDepth: DefaultScanDepth}
}

var (
	compiledDirSuffixes  = []string{".mlmodelc", ".mlpackage"}
	compiledFileSuffixes = []string{".gguf", ".onnx", ".bin", ".safetensors"}
	tokenizerMarkers     = []string{"tokenizer", "vocab", "merges"}
)

// partialSuffix marks a file HubTransport is still writing.
const partialSuffix = ".partial"

// inFlight reports names left behind by an unfinished transfer.
func inFlight(name string) bool {
	return strings.HasSuffix(name, partialSuffix) || strings.HasPrefix(name, ".tmp-")
}

// Validate scans dir. A missing or unreadable dir yields a zero Validation.
func (v *Validator) Validate(dir string) Validation {
	var result Validation
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return result
	}
	maxDepth := v.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultScanDepth
	}
	root := filepath.Clean(dir)

	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && path != root {
				return fs.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}
		depth := strings.Count(strings.TrimPrefix(path, root+string(filepath.Separator)), string(filepath.Separator)) + 1
		name := strings.ToLower(d.Name())
		if inFlight(name) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if hasAnySuffix(name, compiledDirSuffixes) {
				if treeHasFile(path) {
					result.HasCompiledModel = true
				}
				return fs.SkipDir
			}
			if name == "tokenizer" && dirHasFile(path) {
				result.HasTokenizer = true
			}
			if depth >= maxDepth {
				return fs.SkipDir
			}
		} else {
			if hasAnySuffix(name, compiledFileSuffixes) {
				result.HasCompiledModel = true
			}
			if isTokenizerName(name) {
				result.HasTokenizer = true
			}
		}
		if result.Valid() {
			return fs.SkipAll
		}
		return nil
	})
	return result
}

func hasAnySuffix(name string, suffixes []string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

func isTokenizerName(name string) bool {
	for _, m := range tokenizerMarkers {
		if strings.Contains(name, m) {
			return true
		}
	}
	return false
}

func dirHasFile(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() && !inFlight(strings.ToLower(e.Name())) {
			return true
		}
	}
	return false
}

// treeHasFile reports whether any complete file exists at or below dir.
func treeHasFile(dir string) bool {
	found := false
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if inFlight(strings.ToLower(d.Name())) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	return found
}
