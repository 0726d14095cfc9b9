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

package api

// NATS Stream Names
const (
	RunHistoryStream = "SAHALE_HISTORY"
	RunTasksStream   = "SAHALE_RUNS"
)

// NATS Subject Prefix
const (
	HistorySubjectPrefix  = "sahale.history"
	RunWakeSubjectPrefix  = "sahale.runs.wake"
	ActivitySubjectPrefix = "sahale.activity"
)

// NATS Subject Format
const (
	HistoryPublishSubjectPattern  = HistorySubjectPrefix + ".%s"  // runID
	RunWakeSubjectPattern         = RunWakeSubjectPrefix + ".%s"  // runID
	ActivityInvokeSubjectPattern  = ActivitySubjectPrefix + ".%s" // activity name
	HistoryFilterSubjectPattern   = HistorySubjectPrefix + ".>"
	RunWakeFilterSubjectPattern   = RunWakeSubjectPrefix + ".>"
	ActivityHostQueueGroupPattern = "sahale-activity-%s"
)

// Specific Command Subjects
const (
	CommandRequestSubject = "sahale.command"
)

// Consumer / queue group names
const (
	CommandProcessorsQueue = "sahale-command-processors"
	RunWorkerConsumer      = "sahale-run-workers"
)

// KeyValue Bucket Names
const (
	RunResultBucket = "sahale-run-results"
)

// JetStream Headers
const (
	EntryKindHeader       = "Sahale-Entry-Kind"
	EntrySequenceHeader   = "Sahale-Entry-Seq"
	IdempotencyKeyHeader  = "Sahale-Idempotency-Key"
	EntryRecordedAtHeader = "Sahale-Recorded-At"
)
