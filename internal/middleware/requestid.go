// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

// Package middleware provides HTTP middleware for the central API:
// request-id propagation and Prometheus request instrumentation.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/parkfabric/parkfabric/internal/logging"
)

// RequestID generates a unique id for each request, honors an id supplied by
// an upstream proxy, and exposes it in both the response header and the
// request context for log correlation.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set("X-Request-ID", requestID)
		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
