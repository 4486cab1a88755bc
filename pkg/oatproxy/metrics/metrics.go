// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes the proxy's operational surface as Prometheus
// collectors: request outcomes per endpoint, DPoP rejections by kind,
// upstream refresh outcomes, and forward latency.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is the set of collectors the proxy registers once at startup.
type Registry struct {
	ParRequests     *prometheus.CounterVec
	TokenRequests   *prometheus.CounterVec
	ForwardRequests *prometheus.CounterVec
	ForwardRetries  prometheus.Counter
	DPoPRejections  *prometheus.CounterVec
	UpstreamRefresh *prometheus.CounterVec
	ForwardLatency  prometheus.Histogram
}

// New constructs a Registry and registers every collector with reg.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		ParRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oatproxy",
			Name:      "par_requests_total",
			Help:      "Pushed authorization requests, by outcome.",
		}, []string{"outcome"}),
		TokenRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oatproxy",
			Name:      "token_requests_total",
			Help:      "Token endpoint requests, by grant type and outcome.",
		}, []string{"grant_type", "outcome"}),
		ForwardRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oatproxy",
			Name:      "xrpc_forward_requests_total",
			Help:      "XRPC forwarded requests, by upstream status class.",
		}, []string{"status_class"}),
		ForwardRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oatproxy",
			Name:      "xrpc_forward_nonce_retries_total",
			Help:      "XRPC forward attempts that retried once for a fresh upstream DPoP nonce.",
		}),
		DPoPRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oatproxy",
			Name:      "dpop_rejections_total",
			Help:      "DPoP proof verification failures, by rejection kind.",
		}, []string{"kind"}),
		UpstreamRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oatproxy",
			Name:      "upstream_refresh_total",
			Help:      "Upstream session refresh attempts, by outcome.",
		}, []string{"outcome"}),
		ForwardLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "oatproxy",
			Name:      "xrpc_forward_duration_seconds",
			Help:      "End-to-end latency of XRPC forwarding, including any nonce retry.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		r.ParRequests,
		r.TokenRequests,
		r.ForwardRequests,
		r.ForwardRetries,
		r.DPoPRejections,
		r.UpstreamRefresh,
		r.ForwardLatency,
	)
	return r
}
