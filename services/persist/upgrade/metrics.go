// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package upgrade

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run outcomes as reported by feedstore_upgrade_runs_total.
const (
	OutcomeUpToDate = "up_to_date"
	OutcomeUpgraded = "upgraded"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

var (
	// stepsTotal counts executed steps by chain and status.
	stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedstore_upgrade_steps_total",
		Help: "Total upgrade steps by chain and status",
	}, []string{"chain", "status"})

	// stepDuration tracks step latency.
	stepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "feedstore_upgrade_step_duration_seconds",
		Help:    "Upgrade step duration in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 30},
	}, []string{"chain"})

	// runsTotal counts driver runs by outcome.
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedstore_upgrade_runs_total",
		Help: "Total upgrade runs by outcome",
	}, []string{"outcome"})
)
