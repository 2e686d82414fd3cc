/*
 * PretenderDB
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/pretenderdb/lib/api"
)

// maxRequestBytes bounds a request body. The largest legal payload is
// a batch of 25 items at the item size ceiling, far below this.
const maxRequestBytes = 16 << 20

// ContentTypeAmzJSON is the content type of the AWS JSON 1.0 protocol.
const ContentTypeAmzJSON = "application/x-amz-json-1.0"

// ServeHTTP serves the AWS JSON 1.0 protocol: every operation is a
// POST to any path, named by the X-Amz-Target header.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := uuid.NewString()
	log := s.cfg.Log.With("request_id", requestID)

	if r.Method != http.MethodPost {
		s.writeError(ctx, w, log, requestID, trace.BadParameter("method %s is not supported, use POST", r.Method))
		return
	}
	target := r.Header.Get("X-Amz-Target")
	if target == "" {
		s.writeError(ctx, w, log, requestID, trace.BadParameter("missing X-Amz-Target header"))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		s.writeError(ctx, w, log, requestID, trace.BadParameter("failed reading request body: %v", err))
		return
	}

	start := s.cfg.Clock.Now()
	resp, err := s.Dispatch(ctx, target, body)
	if err != nil {
		log.DebugContext(ctx, "Operation failed.", "target", target, "error", err)
		s.writeError(ctx, w, log, requestID, err)
		return
	}
	log.DebugContext(ctx, "Handled operation.", "target", target, "elapsed", s.cfg.Clock.Since(start))

	w.Header().Set("Content-Type", ContentTypeAmzJSON)
	w.Header().Set("X-Amzn-Requestid", requestID)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp); err != nil {
		log.DebugContext(ctx, "Failed writing response.", "error", err)
	}
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, log *slog.Logger, requestID string, err error) {
	wireErr := api.ToWire(err)
	if wireErr.StatusCode() >= http.StatusInternalServerError {
		log.ErrorContext(ctx, "Request failed.", "error", err)
	}
	body, err := json.Marshal(wireErr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ContentTypeAmzJSON)
	w.Header().Set("X-Amzn-Requestid", requestID)
	w.WriteHeader(wireErr.StatusCode())
	if _, err := w.Write(body); err != nil {
		log.DebugContext(ctx, "Failed writing error response.", "error", err)
	}
}
