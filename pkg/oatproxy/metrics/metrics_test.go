// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewRegistersAllCollectorsOnce(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	r := New(reg)

	r.ParRequests.WithLabelValues("success").Inc()
	r.TokenRequests.WithLabelValues("authorization_code", "success").Inc()
	r.ForwardRequests.WithLabelValues("2xx").Inc()
	r.ForwardRetries.Inc()
	r.DPoPRejections.WithLabelValues("replay").Inc()
	r.UpstreamRefresh.WithLabelValues("refreshed").Inc()
	r.ForwardLatency.Observe(0.01)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather returned error: %v", err)
	}
	if len(families) != 7 {
		t.Errorf("got %d registered metric families, want 7", len(families))
	}
}

func TestNewPanicsOnDoubleRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	New(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected New to panic when registering into the same registry twice")
		}
	}()
	New(reg)
}
