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
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/gravitational/pretenderdb/lib/catalog"
	"github.com/gravitational/pretenderdb/lib/itemstore"
	"github.com/gravitational/pretenderdb/lib/sqlbk"
	"github.com/gravitational/pretenderdb/lib/streams"
	"github.com/gravitational/pretenderdb/lib/transact"
	"github.com/gravitational/pretenderdb/lib/ttl"
)

// Duration is a time.Duration that unmarshals from YAML duration
// strings like "60s" or "24h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return trace.Wrap(err)
	}
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return trace.BadParameter("invalid duration %q: %v", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Value returns the duration as a time.Duration.
func (d Duration) Value() time.Duration {
	return time.Duration(d)
}

// FileConfig is the YAML form of the server configuration. Zero
// values defer to the component defaults.
type FileConfig struct {
	// DatabaseURL locates the backing database: postgres:// or
	// sqlite://.
	DatabaseURL string `yaml:"databaseUrl"`
	// DatabaseUser overrides the user of DatabaseURL when set.
	DatabaseUser string `yaml:"databaseUser,omitempty"`
	// DatabasePassword overrides the password of DatabaseURL when set.
	DatabasePassword string `yaml:"databasePassword,omitempty"`
	// PoolMaxConns caps open database connections.
	PoolMaxConns int `yaml:"poolMaxConns,omitempty"`
	// BusyTimeout is the SQLite busy handler timeout.
	BusyTimeout Duration `yaml:"busyTimeout,omitempty"`
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen,omitempty"`
	// Region is rendered into ARNs and stream records.
	Region string `yaml:"region,omitempty"`
	// AccountID is rendered into ARNs.
	AccountID string `yaml:"accountId,omitempty"`
	// TTLSweepInterval is how often the TTL sweeper runs.
	TTLSweepInterval Duration `yaml:"ttlSweepInterval,omitempty"`
	// TTLBatchSize caps expired items removed from one table per
	// sweep.
	TTLBatchSize int `yaml:"ttlBatchSize,omitempty"`
	// TTLIdentityType is the userIdentity.type stamped on TTL removal
	// records.
	TTLIdentityType string `yaml:"ttlIdentityType,omitempty"`
	// TTLIdentityPrincipal is the userIdentity.principalId stamped on
	// TTL removal records.
	TTLIdentityPrincipal string `yaml:"ttlIdentityPrincipal,omitempty"`
	// StreamRetention is how long stream records stay readable.
	StreamRetention Duration `yaml:"streamRetention,omitempty"`
	// StreamPruneInterval is how often the retention pruner runs.
	StreamPruneInterval Duration `yaml:"streamPruneInterval,omitempty"`
	// DefaultStreamViewType fills stream settings that enable a
	// stream without naming a view type.
	DefaultStreamViewType string `yaml:"defaultStreamViewType,omitempty"`
}

// ReadConfigFile loads a YAML configuration file.
func ReadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	fc, err := ReadConfig(bytes.NewReader(data))
	if err != nil {
		return nil, trace.BadParameter("failed parsing config file %v: %v", path, err)
	}
	return fc, nil
}

// ReadConfig parses a YAML configuration. Unknown keys are rejected
// to catch typos early.
func ReadConfig(reader io.Reader) (*FileConfig, error) {
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	fc := new(FileConfig)
	if err := decoder.Decode(fc); err != nil {
		if errors.Is(err, io.EOF) {
			return fc, nil
		}
		return nil, trace.BadParameter("%v", err)
	}
	return fc, nil
}

// CheckAndSetDefaults validates the file configuration.
func (fc *FileConfig) CheckAndSetDefaults() error {
	if fc.DatabaseURL == "" {
		return trace.BadParameter("missing databaseUrl")
	}
	if fc.DefaultStreamViewType != "" {
		if err := catalog.CheckViewType(fc.DefaultStreamViewType); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// databaseURL merges the credential overrides into the database URL.
func (fc *FileConfig) databaseURL() (string, error) {
	if fc.DatabaseUser == "" && fc.DatabasePassword == "" {
		return fc.DatabaseURL, nil
	}
	u, err := url.Parse(fc.DatabaseURL)
	if err != nil {
		return "", trace.BadParameter("invalid databaseUrl: %v", err)
	}
	user := fc.DatabaseUser
	if user == "" && u.User != nil {
		user = u.User.Username()
	}
	if fc.DatabasePassword == "" {
		u.User = url.User(user)
	} else {
		u.User = url.UserPassword(user, fc.DatabasePassword)
	}
	return u.String(), nil
}

// NewFromFileConfig opens the database, assembles every component and
// returns a ready-to-run server. The caller owns the server and
// releases the database with Close.
func NewFromFileConfig(ctx context.Context, fc *FileConfig) (*Server, error) {
	if err := fc.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	dbURL, err := fc.databaseURL()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	u, err := url.Parse(dbURL)
	if err != nil {
		return nil, trace.BadParameter("invalid databaseUrl: %v", err)
	}
	// Fragment parameters override the file settings.
	dbCfg := sqlbk.Config{
		PoolMaxConns: fc.PoolMaxConns,
		BusyTimeout:  fc.BusyTimeout.Value(),
	}
	if err := dbCfg.SetFromURL(u); err != nil {
		return nil, trace.Wrap(err)
	}
	db, err := sqlbk.New(ctx, dbCfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	server, err := assemble(fc, db)
	if err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	return server, nil
}

// assemble wires the component chain over an open database handle.
func assemble(fc *FileConfig, db *sqlbk.DB) (*Server, error) {
	cat, err := catalog.New(catalog.Config{
		DB:        db,
		Region:    fc.Region,
		AccountID: fc.AccountID,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	strm, err := streams.New(streams.Config{
		DB:            db,
		Retention:     fc.StreamRetention.Value(),
		PruneInterval: fc.StreamPruneInterval.Value(),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	store, err := itemstore.New(itemstore.Config{
		DB:      db,
		Catalog: cat,
		Streams: strm,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	coord, err := transact.New(transact.Config{
		DB:      db,
		Catalog: cat,
		Store:   store,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var identity streams.Identity
	if fc.TTLIdentityType != "" || fc.TTLIdentityPrincipal != "" {
		identity = streams.Identity{
			Type:        fc.TTLIdentityType,
			PrincipalID: fc.TTLIdentityPrincipal,
		}
	}
	sweeper, err := ttl.New(ttl.Config{
		DB:            db,
		Catalog:       cat,
		Store:         store,
		SweepInterval: fc.TTLSweepInterval.Value(),
		BatchSize:     fc.TTLBatchSize,
		Identity:      identity,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	server, err := New(Config{
		DB:                    db,
		Catalog:               cat,
		Store:                 store,
		Transact:              coord,
		Streams:               strm,
		Sweeper:               sweeper,
		Region:                fc.Region,
		AccountID:             fc.AccountID,
		DefaultStreamViewType: fc.DefaultStreamViewType,
		Listen:                fc.Listen,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return server, nil
}
