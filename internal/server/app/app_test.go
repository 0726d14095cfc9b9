// Copyright 2025 Nguyen Nhat Nguyen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ngnhng/sahale/api"
	"github.com/ngnhng/sahale/api/serde"
	"github.com/ngnhng/sahale/internal/history"
	"github.com/ngnhng/sahale/internal/server/config"
)

func TestOptionsApply(t *testing.T) {
	cfg := &config.Config{
		NATS:   config.NATSConfig{Host: "localhost", Port: "4222", URL: "nats://localhost:4222"},
		Server: config.ServerConfig{Host: "localhost", Port: "8080"},
		Store:  config.StoreConfig{Backend: config.BackendSQLite},
	}
	Options{NATSPort: "4333", HTTPPort: "9090", StoreBackend: config.BackendMemory}.apply(cfg)

	if cfg.NATS.URL != "nats://localhost:4333" {
		t.Errorf("NATS URL = %q", cfg.NATS.URL)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("server port = %q", cfg.Server.Port)
	}
	if cfg.Store.Backend != config.BackendMemory {
		t.Errorf("store backend = %q", cfg.Store.Backend)
	}

	untouched := &config.Config{NATS: config.NATSConfig{URL: "nats://elsewhere:4222"}}
	Options{}.apply(untouched)
	if untouched.NATS.URL != "nats://elsewhere:4222" {
		t.Errorf("URL overridden without flags: %q", untouched.NATS.URL)
	}
}

func TestOpenLog(t *testing.T) {
	ctx := context.Background()
	conv := &serde.JsonSerde{}

	tests := []struct {
		name    string
		cfg     config.StoreConfig
		wantErr bool
	}{
		{name: "memory", cfg: config.StoreConfig{Backend: config.BackendMemory}},
		{name: "sqlite", cfg: config.StoreConfig{Backend: config.BackendSQLite, SQLitePath: filepath.Join(t.TempDir(), "runs.db")}},
		{name: "pebble", cfg: config.StoreConfig{Backend: config.BackendPebble, PebbleDir: filepath.Join(t.TempDir(), "pebble")}},
		{name: "nats without connection", cfg: config.StoreConfig{Backend: config.BackendNATS}, wantErr: true},
		{name: "unknown", cfg: config.StoreConfig{Backend: "cassandra"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := OpenLog(ctx, tt.cfg, nil)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				if log != nil {
					t.Errorf("expected a nil log, got %T", log)
				}
				return
			}
			if err != nil {
				t.Fatalf("OpenLog: %v", err)
			}
			defer log.Close()

			entry, err := api.NewEntry(conv, "run-1", 1, api.KindRunStarted, api.RunStarted{Workflow: "wf"})
			if err != nil {
				t.Fatal(err)
			}
			if _, err := log.Append(ctx, entry); err != nil {
				t.Fatalf("Append: %v", err)
			}
			if _, err := log.Append(ctx, entry); err != nil {
				t.Errorf("duplicate append should be a no-op, got %v", err)
			}
			head, err := history.Head(ctx, log, "run-1")
			if err != nil || head != 1 {
				t.Errorf("Head = %d, %v; want 1", head, err)
			}
			other, _ := api.NewEntry(conv, "run-1", 1, api.KindRunFailed, api.RunFailed{})
			if _, err := log.Append(ctx, other); !errors.Is(err, api.ErrLogConflict) {
				t.Errorf("conflicting append = %v, want ErrLogConflict", err)
			}
		})
	}
}
