// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package methods holds the retrieval method catalog.
//
// The catalog is embedded at build time and describes which retrieval
// strategies the orchestrator accepts and the bounds of their request
// parameters. Requests are validated against it client-side so a bad
// top_k fails fast instead of burning a round trip.
//
// Thread Safety:
//
//	The catalog is immutable after Load. All exported functions are
//	safe for concurrent use.
package methods

import (
	_ "embed"
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var embeddedCatalogYAML []byte

// =============================================================================
// Types
// =============================================================================

// ParamSchema describes one request parameter a method accepts.
type ParamSchema struct {
	Name string `yaml:"name" validate:"required"`
	Type string `yaml:"type" validate:"required,oneof=int bool string"`

	// Min and Max bound int params. Ignored for other types.
	Min int `yaml:"min"`
	Max int `yaml:"max"`

	// Default is rendered into help text and used when the caller
	// leaves the parameter unset.
	Default any `yaml:"default"`
}

// Method is one retrieval strategy the orchestrator supports.
type Method struct {
	Name        string        `yaml:"name" validate:"required"`
	Default     bool          `yaml:"default"`
	Description string        `yaml:"description"`
	Params      []ParamSchema `yaml:"params" validate:"dive"`
}

// Param returns the schema for a named parameter.
func (m *Method) Param(name string) (ParamSchema, bool) {
	for _, p := range m.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSchema{}, false
}

// catalogYAML is the root structure of catalog.yaml.
type catalogYAML struct {
	Methods []Method `yaml:"methods" validate:"required,min=1,dive"`
}

// Catalog indexes retrieval methods by name.
type Catalog struct {
	byName      map[string]*Method
	ordered     []string
	defaultName string
}

// =============================================================================
// Loading
// =============================================================================

var (
	catalogOnce sync.Once
	cachedCat   *Catalog
	catalogErr  error
)

// Load returns the embedded catalog, parsing it on first call.
func Load() (*Catalog, error) {
	catalogOnce.Do(func() {
		cachedCat, catalogErr = parseCatalog(embeddedCatalogYAML)
	})
	return cachedCat, catalogErr
}

func parseCatalog(data []byte) (*Catalog, error) {
	var root catalogYAML
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("unmarshaling method catalog: %w", err)
	}

	if err := validator.New().Struct(&root); err != nil {
		return nil, fmt.Errorf("invalid method catalog: %w", err)
	}

	cat := &Catalog{byName: make(map[string]*Method, len(root.Methods))}
	for i := range root.Methods {
		m := &root.Methods[i]
		if _, dup := cat.byName[m.Name]; dup {
			return nil, fmt.Errorf("duplicate method %q in catalog", m.Name)
		}
		for _, p := range m.Params {
			if p.Type == "int" && p.Max < p.Min {
				return nil, fmt.Errorf("method %q param %q: max %d below min %d",
					m.Name, p.Name, p.Max, p.Min)
			}
		}
		cat.byName[m.Name] = m
		cat.ordered = append(cat.ordered, m.Name)
		if m.Default {
			if cat.defaultName != "" {
				return nil, fmt.Errorf("methods %q and %q both marked default",
					cat.defaultName, m.Name)
			}
			cat.defaultName = m.Name
		}
	}
	if cat.defaultName == "" {
		cat.defaultName = cat.ordered[0]
	}
	sort.Strings(cat.ordered)
	return cat, nil
}

// =============================================================================
// Lookup and Validation
// =============================================================================

// Get returns the schema for a named method.
func (c *Catalog) Get(name string) (*Method, bool) {
	m, ok := c.byName[name]
	return m, ok
}

// Names returns all method names, sorted.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// DefaultMethod returns the name of the catalog's default method.
func (c *Catalog) DefaultMethod() string {
	return c.defaultName
}

// ValidateRequest checks a method name and top_k against the catalog.
//
// Outputs:
//
//	error - Non-nil with a user-facing message when the method is
//	        unknown or top_k falls outside the method's bounds.
func (c *Catalog) ValidateRequest(method string, topK int) error {
	m, ok := c.byName[method]
	if !ok {
		return fmt.Errorf("unknown retrieval method %q (available: %v)", method, c.Names())
	}
	p, ok := m.Param("top_k")
	if !ok {
		return nil
	}
	if topK < p.Min || topK > p.Max {
		return fmt.Errorf("top_k %d out of range for method %q (%d..%d)",
			topK, method, p.Min, p.Max)
	}
	return nil
}
