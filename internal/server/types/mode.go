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

package types

import "fmt"

// Mode selects debug or release behaviour, mainly for logging.
type Mode string

const (
	ModeDebug   Mode = "debug"
	ModeRelease Mode = "release"
)

// UnmarshalText lets caarlos0/env parse MODE.
func (m *Mode) UnmarshalText(text []byte) error {
	switch Mode(text) {
	case ModeDebug, ModeRelease:
		*m = Mode(text)
		return nil
	}
	return fmt.Errorf("unknown mode %q (want debug|release)", text)
}
