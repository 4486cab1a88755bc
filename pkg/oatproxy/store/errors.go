// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import "errors"

// ErrNotFound is returned by every consume/get operation when the key is
// absent or has expired. Consume implementations perform the read and
// delete as one atomic step, so a concurrent double-consume can never
// both succeed: exactly one caller sees the record and the other sees
// ErrNotFound.
var ErrNotFound = errors.New("not found")
