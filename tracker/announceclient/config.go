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
package announceclient

import "time"

// Config defines announce client configuration.
type Config struct {
	// Timeout bounds each announce HTTP request.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries is how many times a single announce URL is retried on
	// transient network errors before moving to the next URL in the tier.
	MaxRetries uint64 `yaml:"max_retries"`

	// RetryInterval seeds the exponential backoff between retries.
	RetryInterval time.Duration `yaml:"retry_interval"`
}

func (c Config) applyDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 500 * time.Millisecond
	}
	return c
}
