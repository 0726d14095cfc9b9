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

// Package client starts, inspects and cancels runs on a sahale server over
// NATS.
//
// # Creating a Client
//
// The client needs an established NATS connection and the serde the server
// was configured with (ENGINE_SERDE, JSON by default):
//
//	nc, err := nats.Connect("nats://localhost:4222")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	c, err := client.New(client.Options{Conn: nc})
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Running Workflows
//
// Start returns as soon as the run is durably recorded. Await blocks until
// the run ends, and Result additionally decodes its output:
//
//	runID, err := c.Start(ctx, "speech-analytics", speech.Input{AudioFileURI: uri, NumSegments: 3})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	var out speech.Result
//	if err := c.Result(ctx, runID, &out); err != nil {
//		log.Fatal(err)
//	}
//
// A failed run surfaces as an *api.Failure, which matches the api sentinels
// with errors.Is.
package client
