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

import "math"

// Permit identifies a logical holder of an exclusive acquisition. It is
// opaque to the Lock: equality is the only predicate ever used against it.
// Two goroutines presenting the same Permit are treated as the same
// holder and reenter freely.
//
// The zero value, also available as NoPermit, represents "no permit
// supplied" and is rejected by every operation with ErrInvalidArgument --
// the Go rendering of the source's boxed-integer-vs-null distinction.
type Permit struct {
	id  int64
	set bool
}

// NoPermit is the absent permit. Passing it to any Lock operation fails
// with ErrInvalidArgument before any state is touched.
var NoPermit = Permit{}

// NewPermit wraps id as a Permit. id is accepted as a 64-bit value so that
// out-of-range identifiers can be rejected explicitly at the lock's
// boundary (spec: "permit value outside 32-bit range") rather than
// silently truncated.
func NewPermit(id int64) Permit {
	return Permit{id: id, set: true}
}

// ID returns the wrapped value and whether a permit was actually
// supplied. It is exposed for callers that want to log or compare
// permits; the lock itself only ever compares by ==.
func (p Permit) ID() (int64, bool) {
	return p.id, p.set
}

func (p Permit) valid() bool {
	return p.set && p.id >= math.MinInt32 && p.id <= math.MaxInt32
}

// int32 returns the two's-complement bit pattern the lock's state word
// actually stores. Only call this once valid() has been confirmed.
func (p Permit) int32() int32 {
	return int32(p.id)
}

func validatePermit(p Permit) error {
	if !p.valid() {
		return ErrInvalidArgument
	}
	return nil
}
