// Copyright 2026 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stack

import "errors"

// ErrResourceExhausted is returned by Open when every socket slot of the requested kind is in use. Closing a socket
// makes its slot available again.
var ErrResourceExhausted = errors.New("socket pool exhausted")

// ErrRunnerActive is returned by Run when another Run call is already driving the same Stack.
var ErrRunnerActive = errors.New("stack runner already active")
