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

package engine

import "errors"

// Errors returned by [Engine] socket operations. They can be tested with [errors.Is].
var (
	// ErrWouldBlock means the operation cannot complete without waiting. It had no side effects, so it is safe to
	// retry once the socket's readiness changes.
	ErrWouldBlock = errors.New("operation would block")

	// ErrUnsupportedKind is returned by Open for socket kinds the engine does not implement.
	ErrUnsupportedKind = errors.New("socket kind is not supported by this engine")

	// ErrAddrInUse is returned by Bind when another socket already owns the local port.
	ErrAddrInUse = errors.New("address already in use")

	// ErrNoRemote is returned by Send when no destination was given and the socket is not connected.
	ErrNoRemote = errors.New("destination address required")

	// ErrUnknownHandle is returned for handles that were never opened or were already aborted.
	ErrUnknownHandle = errors.New("unknown socket handle")
)
