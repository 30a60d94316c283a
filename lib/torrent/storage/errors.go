// Copyright (c) 2016-2019 Uber Technologies, Inc.
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
package storage

import "errors"

var (
	// ErrPieceHashMismatch is returned when an assembled piece does not hash
	// to its expected sum. The piece has been reset and may be re-requested.
	ErrPieceHashMismatch = errors.New("piece hash mismatch")

	// ErrPieceComplete is returned when writing to an already saved piece.
	ErrPieceComplete = errors.New("piece is already complete")

	errPieceNotWritable = errors.New("piece is not in a writable state")
	errPieceNotFull     = errors.New("piece is not full")
	errPieceNotVerified = errors.New("piece is not verified")
	errBlockOutOfBounds = errors.New("block exceeds piece bounds")
)
