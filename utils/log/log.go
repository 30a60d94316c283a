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
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	_mu     sync.Mutex
	_global *zap.SugaredLogger
)

func init() {
	ConfigureLogger(zap.NewProductionConfig())
}

// Default returns the global sugared logger.
func Default() *zap.SugaredLogger {
	_mu.Lock()
	defer _mu.Unlock()
	return _global
}

// ConfigureLogger builds a logger from config and installs it as the global
// logger. Returns the unsugared logger so callers may defer a Sync.
func ConfigureLogger(config zap.Config) *zap.Logger {
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	_mu.Lock()
	_global = logger.Sugar()
	_mu.Unlock()
	return logger
}

// Debug uses fmt.Sprint to construct and log a message.
func Debug(args ...interface{}) { Default().Debug(args...) }

// Info uses fmt.Sprint to construct and log a message.
func Info(args ...interface{}) { Default().Info(args...) }

// Warn uses fmt.Sprint to construct and log a message.
func Warn(args ...interface{}) { Default().Warn(args...) }

// Error uses fmt.Sprint to construct and log a message.
func Error(args ...interface{}) { Default().Error(args...) }

// Fatal uses fmt.Sprint to construct and log a message, then calls os.Exit.
func Fatal(args ...interface{}) { Default().Fatal(args...) }

// Debugf uses fmt.Sprintf to log a templated message.
func Debugf(template string, args ...interface{}) { Default().Debugf(template, args...) }

// Infof uses fmt.Sprintf to log a templated message.
func Infof(template string, args ...interface{}) { Default().Infof(template, args...) }

// Warnf uses fmt.Sprintf to log a templated message.
func Warnf(template string, args ...interface{}) { Default().Warnf(template, args...) }

// Errorf uses fmt.Sprintf to log a templated message.
func Errorf(template string, args ...interface{}) { Default().Errorf(template, args...) }

// Fatalf uses fmt.Sprintf to log a templated message, then calls os.Exit.
func Fatalf(template string, args ...interface{}) { Default().Fatalf(template, args...) }

// With adds a variadic number of fields to the logging context.
func With(args ...interface{}) *zap.SugaredLogger { return Default().With(args...) }
