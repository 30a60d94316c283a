// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package configutil provides utilities for loading and validating YAML
// configuration. A configuration file may extend another file via a top-level
// "extends" key; the chain is loaded base-first so that each file overlays
// the one it extends.
package configutil

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"
)

// ErrCycleRef is returned when there are circular dependencies detected in
// configuration files extending each other.
var ErrCycleRef = fmt.Errorf("cyclic reference in configuration extends detected")

// Extends define a keyword in config for extending a base configuration file.
type Extends struct {
	Extends string `yaml:"extends"`
}

// ValidationError contains failed validations.
type ValidationError struct {
	errorMap validator.ErrorMap
}

// ErrForField returns the validation error for the given field.
func (e ValidationError) ErrForField(name string) error {
	return e.errorMap[name]
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %v", e.errorMap)
}

// Load reads and merges the configuration chain rooted at filename into
// config, then validates the result.
func Load(filename string, config interface{}) error {
	if filename == "" {
		return fmt.Errorf("no configuration file specified")
	}
	chain, err := resolveChain(filename)
	if err != nil {
		return err
	}
	for _, f := range chain {
		b, err := ioutil.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read config: %s", err)
		}
		if err := yaml.Unmarshal(b, config); err != nil {
			return fmt.Errorf("unmarshal %s: %s", f, err)
		}
	}
	if err := validator.Validate(config); err != nil {
		if errs, ok := err.(validator.ErrorMap); ok {
			return ValidationError{errs}
		}
		return err
	}
	return nil
}

// resolveChain returns the extends chain for filename, base config first.
func resolveChain(filename string) ([]string, error) {
	var chain []string
	seen := make(map[string]bool)
	for filename != "" {
		abs, err := filepath.Abs(filename)
		if err != nil {
			return nil, err
		}
		if seen[abs] {
			return nil, ErrCycleRef
		}
		seen[abs] = true
		chain = append([]string{abs}, chain...)

		b, err := ioutil.ReadFile(abs)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file %s not found", abs)
			}
			return nil, err
		}
		var ext Extends
		if err := yaml.Unmarshal(b, &ext); err != nil {
			return nil, fmt.Errorf("unmarshal extends of %s: %s", abs, err)
		}
		if ext.Extends != "" && !filepath.IsAbs(ext.Extends) {
			ext.Extends = filepath.Join(filepath.Dir(abs), ext.Extends)
		}
		filename = ext.Extends
	}
	return chain, nil
}
