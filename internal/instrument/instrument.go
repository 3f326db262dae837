// instrument.go - Prometheus instrumentation.
// Copyright (C) 2024  The arkivd authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package instrument exposes prometheus metrics for the protocol
// engine.
package instrument

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "arkivd"

var (
	connectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_total",
		Help:      "Number of accepted connections.",
	})
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_connections",
		Help:      "Number of currently open connections.",
	})
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Number of dispatched requests by opcode.",
	}, []string{"code"})
	requestFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "request_failures_total",
		Help:      "Number of failed requests by error kind.",
	}, []string{"kind"})
	bytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "read_bytes_total",
		Help:      "Number of bytes received from clients.",
	})
	bytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "written_bytes_total",
		Help:      "Number of bytes sent to clients.",
	})
	filesStored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "files_stored_total",
		Help:      "Number of fully reassembled files written to storage.",
	})
)

// Init exposes the registered metrics via HTTP on addr.
func Init(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(addr, nil)
}

// ConnectionOpened notes an accepted connection.
func ConnectionOpened() {
	connectionsTotal.Inc()
	activeConnections.Inc()
}

// ConnectionClosed notes a closed connection.
func ConnectionClosed() {
	activeConnections.Dec()
}

// Request notes a dispatched request.
func Request(code uint16) {
	requestsTotal.WithLabelValues(fmt.Sprintf("%d", code)).Inc()
}

// RequestFailed notes a request answered with a failure response.
func RequestFailed(kind string) {
	requestFailures.WithLabelValues(kind).Inc()
}

// BytesRead accounts received bytes.
func BytesRead(n int) {
	bytesRead.Add(float64(n))
}

// BytesWritten accounts transmitted bytes.
func BytesWritten(n int) {
	bytesWritten.Add(float64(n))
}

// FileStored notes a completed file reassembly.
func FileStored() {
	filesStored.Inc()
}
