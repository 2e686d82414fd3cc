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

// Package server wires the catalog, item store, transaction
// coordinator, streams and TTL sweeper behind the DynamoDB wire
// protocol: one operation method per X-Amz-Target, a JSON dispatcher,
// an HTTP handler and a Run loop that supervises the background
// workers.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/pretenderdb"
	"github.com/gravitational/pretenderdb/lib/catalog"
	"github.com/gravitational/pretenderdb/lib/defaults"
	"github.com/gravitational/pretenderdb/lib/itemstore"
	"github.com/gravitational/pretenderdb/lib/sqlbk"
	"github.com/gravitational/pretenderdb/lib/streams"
	"github.com/gravitational/pretenderdb/lib/transact"
	"github.com/gravitational/pretenderdb/lib/ttl"
)

// Config holds the assembled components the server serves.
type Config struct {
	// DB is the open database handle.
	DB *sqlbk.DB
	// Catalog is the table metadata catalog.
	Catalog *catalog.Catalog
	// Store is the item store.
	Store *itemstore.Store
	// Transact is the transaction coordinator.
	Transact *transact.Coordinator
	// Streams is the change stream service.
	Streams *streams.Streams
	// Sweeper is the TTL sweeper supervised by Run.
	Sweeper *ttl.Sweeper
	// Clock supplies request deadlines and shutdown timing.
	Clock clockwork.Clock
	// Log is the server logger.
	Log *slog.Logger
	// Region is rendered into ARNs and stream records.
	Region string
	// AccountID is rendered into ARNs.
	AccountID string
	// DefaultStreamViewType fills stream settings that enable a stream
	// without naming a view type.
	DefaultStreamViewType string
	// Listen is the HTTP listen address. Empty disables the HTTP
	// endpoint; Dispatch and the operation methods keep working.
	Listen string
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.DB == nil {
		return trace.BadParameter("missing DB")
	}
	if c.Catalog == nil {
		return trace.BadParameter("missing Catalog")
	}
	if c.Store == nil {
		return trace.BadParameter("missing Store")
	}
	if c.Transact == nil {
		return trace.BadParameter("missing Transact")
	}
	if c.Streams == nil {
		return trace.BadParameter("missing Streams")
	}
	if c.Sweeper == nil {
		return trace.BadParameter("missing Sweeper")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With(pretenderdb.ComponentKey, pretenderdb.ComponentServer)
	}
	if c.Region == "" {
		c.Region = defaults.Region
	}
	if c.AccountID == "" {
		c.AccountID = defaults.AccountID
	}
	if c.DefaultStreamViewType == "" {
		c.DefaultStreamViewType = catalog.ViewNewAndOldImage
	}
	return nil
}

// Server exposes every emulator operation over the DynamoDB JSON
// protocol.
type Server struct {
	cfg Config
}

// New returns a server over already constructed components.
func New(cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Server{cfg: cfg}, nil
}

// Close releases the database handle behind the server.
func (s *Server) Close() error {
	return trace.Wrap(s.cfg.DB.Close())
}

// Run serves HTTP when a listen address is configured and supervises
// the TTL sweeper and the stream retention pruner until ctx is
// canceled, then stops gracefully.
func (s *Server) Run(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return trace.Wrap(s.cfg.Sweeper.Run(gctx))
	})
	group.Go(func() error {
		return trace.Wrap(s.cfg.Streams.RunPruner(gctx))
	})
	if s.cfg.Listen != "" {
		listener, err := net.Listen("tcp", s.cfg.Listen)
		if err != nil {
			return trace.Wrap(err)
		}
		httpServer := &http.Server{
			Handler:           s,
			ReadHeaderTimeout: 30 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return gctx },
		}
		group.Go(func() error {
			s.cfg.Log.InfoContext(gctx, "Serving the DynamoDB endpoint.", "listen", listener.Addr().String())
			err := httpServer.Serve(listener)
			if err != nil && err != http.ErrServerClosed {
				return trace.Wrap(err)
			}
			return nil
		})
		group.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
			defer cancel()
			return trace.Wrap(httpServer.Shutdown(shutdownCtx))
		})
	}
	err := group.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return trace.Wrap(err)
}
