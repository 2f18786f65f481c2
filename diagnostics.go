// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gptq

import (
	"k8s.io/klog/v2"
)

// Diagnostics receives informational and warning messages emitted while a
// Trainer is built and run: the build summary, per-sample progress of the
// loss-weight estimation, degraded conditions such as a representative
// dataset running short of samples.
//
// The default sink forwards to klog (info messages at verbosity level 1).
// Tests can inject a recording implementation through
// Config.WithDiagnostics.
type Diagnostics interface {
	Infof(format string, args ...any)
	Warningf(format string, args ...any)
}

// klogDiagnostics is the default Diagnostics implementation.
type klogDiagnostics struct{}

func (klogDiagnostics) Infof(format string, args ...any) {
	if klog.V(1).Enabled() {
		klog.InfofDepth(1, format, args...)
	}
}

func (klogDiagnostics) Warningf(format string, args ...any) {
	klog.WarningfDepth(1, format, args...)
}
