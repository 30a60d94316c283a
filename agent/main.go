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
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/uber/angler/core"
	"github.com/uber/angler/lib/torrent/scheduler"
	"github.com/uber/angler/metrics"
	"github.com/uber/angler/utils/configutil"
	"github.com/uber/angler/utils/log"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"
)

func main() {
	configFile := flag.String("config", "", "configuration file path")
	downloadDir := flag.String("download_dir", "", "directory to download torrents into")
	flag.Parse()

	var config Config
	if *configFile != "" {
		if err := configutil.Load(*configFile, &config); err != nil {
			panic(err)
		}
	} else {
		config.ZapLogging = zap.NewProductionConfig()
	}
	if *downloadDir != "" {
		config.Scheduler.Storage.DownloadDir = *downloadDir
	}

	zlog := log.ConfigureLogger(config.ZapLogging)
	defer zlog.Sync()

	stats, closer, err := metrics.New(config.Metrics)
	if err != nil {
		log.Fatalf("Failed to init metrics: %s", err)
	}
	defer closer.Close()

	peerID, err := core.RandomPeerID()
	if err != nil {
		log.Fatalf("Failed to generate peer id: %s", err)
	}

	sched, err := scheduler.New(config.Scheduler, stats, clock.New(), peerID, log.Default())
	if err != nil {
		log.Fatalf("Error creating scheduler: %s", err)
	}
	defer sched.Stop()

	if flag.NArg() == 0 {
		log.Fatal("No torrent files given")
	}
	for _, path := range flag.Args() {
		mi, err := core.LoadMetaInfo(path)
		if err != nil {
			log.Fatalf("Error loading %s: %s", path, err)
		}
		if _, err := sched.AddTorrent(mi); err != nil {
			log.Fatalf("Error adding %s: %s", path, err)
		}
		log.With("torrent", mi.Name(), "hash", mi.InfoHash()).Info("Downloading torrent")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	log.Info("Shutting down")
}
