// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var recoveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "feedstore_store_recoveries_total",
	Help: "Total corrupt stores moved aside and replaced by a fresh store",
})

// Instruments on the global meter provider. They stay no-ops until
// telemetry.Init installs a metric exporter.
var (
	openDuration metric.Float64Histogram
	savedRecords metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.Meter("feedstore/store")
		var err error

		openDuration, err = meter.Float64Histogram(
			"feedstore_store_open_duration_seconds",
			metric.WithDescription("Duration of store opens, including upgrades and recovery"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		savedRecords, err = meter.Int64Counter(
			"feedstore_store_saved_records",
			metric.WithDescription("Total records written by Save"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordOpen(ctx context.Context, format Format, d time.Duration, err error) {
	if initMetrics() != nil {
		return
	}
	openDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("format", format.String()),
		attribute.Bool("success", err == nil),
	))
}

func recordSave(ctx context.Context, records int) {
	if initMetrics() != nil {
		return
	}
	savedRecords.Add(ctx, int64(records))
}
