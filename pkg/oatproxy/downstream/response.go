// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package downstream

import (
	"encoding/json"
	"net/http"

	"github.com/espeon/oatproxy/pkg/logger"
	"github.com/espeon/oatproxy/pkg/oatproxy/oaterrors"
)

// fail logs the internal cause (if any) and writes the OAuth error
// envelope; the response carries only the coded error, never the raw
// internal one.
func (s *Server) fail(w http.ResponseWriter, err *oaterrors.Error) {
	if err.Cause != nil {
		logger.Warnw("downstream oauth request failed", "code", err.Code, "description", err.Description, "cause", err.Cause)
	}
	err.WriteJSON(w)
}

// writeJSON writes v as a JSON body with status, plus the no-store
// cache-control RFC 6749 §5.1 requires on token responses.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
