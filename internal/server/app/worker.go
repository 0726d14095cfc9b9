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
	"fmt"

	"github.com/ngnhng/sahale/api/serde"
	"github.com/ngnhng/sahale/examples/speech"
	"github.com/ngnhng/sahale/internal/invoker"
	"github.com/ngnhng/sahale/internal/registry"
	jetstreamx "github.com/ngnhng/sahale/internal/server/infra/jetstream"
)

// RunWorker hosts the speech analytics activities for servers dispatching
// over NATS.
func RunWorker(ctx context.Context, opts Options) error {
	cfg, lg, flush, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer flush()
	log := lg.Slogger

	conv, err := serde.New(cfg.Engine.Serde)
	if err != nil {
		return err
	}

	reg := registry.New()
	if err := speech.RegisterActivities(reg, speech.NewDemoActivities(speech.DemoTranscript)); err != nil {
		return err
	}

	conn, err := jetstreamx.Connect(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer conn.Close()
	if !conn.IsConnected() {
		return errors.New("cannot connect to NATS instance")
	}

	host := invoker.NewHost(conn.NATS(), reg, conv, log)
	log.Info("activity worker is running", "activities", reg.Activities())
	return runUntilSignal(ctx, log, host.Run)
}
