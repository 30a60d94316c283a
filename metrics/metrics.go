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
package metrics

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/uber/angler/utils/log"

	"github.com/cactus/go-statsd-client/statsd"
	"github.com/uber-go/tally"
	tallystatsd "github.com/uber-go/tally/statsd"
)

func init() {
	register("statsd", newStatsdScope)
	register("disabled", newDisabledScope)
}

var _scopeFactories = make(map[string]scopeFactory)

type scopeFactory func(config Config) (tally.Scope, io.Closer, error)

func register(name string, f scopeFactory) {
	if _, ok := _scopeFactories[name]; ok {
		log.Fatalf("Metrics reporter factory %q is already registered", name)
	}
	_scopeFactories[name] = f
}

// Config defines metrics configuration.
type Config struct {
	Backend string        `yaml:"backend"`
	Statsd  StatsdConfig  `yaml:"statsd"`
	Period  time.Duration `yaml:"period"`
}

// StatsdConfig defines statsd configuration.
type StatsdConfig struct {
	HostPort string `yaml:"host_port"`
	Prefix   string `yaml:"prefix"`
}

// New creates a new metrics Scope from config. If no backend is configured,
// metrics are disabled.
func New(config Config) (tally.Scope, io.Closer, error) {
	if config.Backend == "" {
		config.Backend = "disabled"
	}
	f, ok := _scopeFactories[config.Backend]
	if !ok || f == nil {
		return nil, nil, fmt.Errorf("metrics backend %q not registered", config.Backend)
	}
	return f(config)
}

func newStatsdScope(config Config) (tally.Scope, io.Closer, error) {
	if config.Statsd.HostPort == "" {
		return nil, nil, errors.New("no statsd host_port configured")
	}
	client, err := statsd.NewBufferedClient(
		config.Statsd.HostPort, config.Statsd.Prefix, 100*time.Millisecond, 512)
	if err != nil {
		return nil, nil, fmt.Errorf("statsd client: %s", err)
	}
	period := config.Period
	if period == 0 {
		period = time.Second
	}
	s, closer := tally.NewRootScope(tally.ScopeOptions{
		Reporter: tallystatsd.NewReporter(client, tallystatsd.Options{}),
	}, period)
	return s, closer, nil
}

func newDisabledScope(config Config) (tally.Scope, io.Closer, error) {
	s, closer := tally.NewRootScope(tally.ScopeOptions{}, time.Second)
	return s, closer, nil
}
