// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package configutil

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type testConfig struct {
	ListenAddress string   `yaml:"listen_address" validate:"nonzero"`
	BufferSpace   int      `yaml:"buffer_space"`
	Servers       []string `yaml:"servers"`
}

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, ioutil.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	require := require.New(t)

	dir, err := ioutil.TempDir("", "configutil-test-")
	require.NoError(err)
	defer os.RemoveAll(dir)

	path := writeConfig(t, dir, "base.yaml", `
listen_address: localhost:4385
buffer_space: 1024
servers:
    - somewhere-zone1:8090
`)

	var c testConfig
	require.NoError(Load(path, &c))
	require.Equal("localhost:4385", c.ListenAddress)
	require.Equal(1024, c.BufferSpace)
	require.Equal([]string{"somewhere-zone1:8090"}, c.Servers)
}

func TestLoadConfigExtends(t *testing.T) {
	require := require.New(t)

	dir, err := ioutil.TempDir("", "configutil-test-")
	require.NoError(err)
	defer os.RemoveAll(dir)

	writeConfig(t, dir, "base.yaml", `
listen_address: localhost:4385
buffer_space: 1024
`)
	path := writeConfig(t, dir, "override.yaml", `
extends: base.yaml
buffer_space: 512
`)

	var c testConfig
	require.NoError(Load(path, &c))
	require.Equal("localhost:4385", c.ListenAddress)
	require.Equal(512, c.BufferSpace)
}

func TestLoadConfigCycle(t *testing.T) {
	require := require.New(t)

	dir, err := ioutil.TempDir("", "configutil-test-")
	require.NoError(err)
	defer os.RemoveAll(dir)

	writeConfig(t, dir, "a.yaml", "extends: b.yaml\n")
	path := writeConfig(t, dir, "b.yaml", "extends: a.yaml\n")

	var c testConfig
	require.Equal(ErrCycleRef, Load(path, &c))
}

func TestLoadConfigValidation(t *testing.T) {
	require := require.New(t)

	dir, err := ioutil.TempDir("", "configutil-test-")
	require.NoError(err)
	defer os.RemoveAll(dir)

	path := writeConfig(t, dir, "bad.yaml", "buffer_space: 1\n")

	var c testConfig
	err = Load(path, &c)
	require.Error(err)
	require.IsType(ValidationError{}, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	var c testConfig
	require.Error(t, Load("/nonexistent/config.yaml", &c))
}
