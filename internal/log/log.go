/*
Copyright 2022.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package log wires the daemon's logr.Logger the same way the
// teacher's cmd/bpfd-agent wires sigs.k8s.io/controller-runtime's
// pkg/log/zap — zap as the backend, go-logr/logr as the interface
// every package actually depends on — minus the controller-runtime
// dependency itself, since this daemon has no Kubernetes control plane.
package log

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// New builds the daemon's root logger. debug enables zap's development
// config (human-readable, caller info, debug level enabled).
func New(debug bool) (logr.Logger, error) {
	var zc zap.Config
	if debug {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}

	zl, err := zc.Build()
	if err != nil {
		return logr.Discard(), err
	}
	return zapr.NewLogger(zl), nil
}
