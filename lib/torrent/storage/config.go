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
package storage

import "github.com/c2h5oh/datasize"

// Config defines Torrent storage configuration.
type Config struct {
	// DownloadDir is the directory the torrent's file set is written under.
	DownloadDir string `yaml:"download_dir"`

	// WriteBufferSize bounds the buffer used when flushing a verified piece
	// to disk.
	WriteBufferSize datasize.ByteSize `yaml:"write_buffer_size"`
}

func (c Config) applyDefaults() Config {
	if c.DownloadDir == "" {
		c.DownloadDir = "."
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = 4 * datasize.MB
	}
	return c
}
