// Copyright 2020 Nathan Taylor (nbtaylor@gmail.com)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package lock

import "errors"

// Sentinel errors returned by Lock operations. Callers should compare
// against these with errors.Is rather than matching message text.
var (
	// ErrInvalidArgument is returned before any state is touched when a
	// caller supplies a missing or out-of-range permit.
	ErrInvalidArgument = errors.New("lock: invalid argument")

	// ErrIllegalState is returned when a release does not correspond to a
	// mode actually held, when an exclusive release is attempted by a
	// non-owning permit, or when a reentrant acquisition would overflow
	// the hold count.
	ErrIllegalState = errors.New("lock: illegal state")

	// ErrInterrupted is returned by the context-aware acquire variants
	// when the context is canceled (as opposed to timing out) before
	// acquisition succeeds.
	ErrInterrupted = errors.New("lock: interrupted")
)
