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

// The lock's entire observable state is a single uint64, mutated only by
// compare-and-swap, packing three fields:
//
//	|63            48|47            32|31                          0|
//	 \     mode      / \    count    / \          permit            /
//
// mode is FREE/EXCLUSIVE/SHARED, count is the aggregate hold count
// (0..CountMax), and permit is the two's-complement bit pattern of the
// exclusive owner's 32-bit id (0, and not meaningful, in SHARED or FREE).

type mode uint16

const (
	modeFree mode = iota
	modeExclusive
	modeShared
)

const (
	modeShift = 48
	modeBits  = 0xFFFF

	countShift = 32
	countBits  = 0xFFFF

	permitBits = 0xFFFFFFFF
)

// CountMax is the largest hold count the lock's 16-bit count field can
// represent. Reentrant acquisitions beyond this raise ErrIllegalState
// rather than silently wrapping (spec invariant I4).
const CountMax = uint16(countBits)

func extractMode(state uint64) mode {
	return mode((state >> modeShift) & modeBits)
}

func extractCount(state uint64) uint16 {
	return uint16((state >> countShift) & countBits)
}

func extractPermit(state uint64) int32 {
	return int32(uint32(state & permitBits))
}

func pack(m mode, count uint16, permit int32) uint64 {
	return (uint64(m) << modeShift) | (uint64(count) << countShift) | uint64(uint32(permit))
}

// waitKind is the mode a blocked or probing acquirer is requesting.
type waitKind uint8

const (
	waitExclusive waitKind = iota
	waitShared
)

// decision is the outcome of attempting a single CAS-worthy acquisition
// against a given state snapshot.
type decision uint8

const (
	// decisionWait means the request is legal but incompatible with the
	// currently held mode; the caller must suspend or give up.
	decisionWait decision = iota
	// decisionGranted means newState is the state to publish via CAS.
	decisionGranted
	// decisionOverflow means the reentrant hold count would exceed
	// CountMax; this is a programmer error, not a wait condition.
	decisionOverflow
)

// tryAcquire is a pure function of the current state and implements
// spec.md's acquisition rules A-free, A-reenter-excl, and A-reenter-shared
// verbatim. It never blocks and never touches the waiter queue; it only
// decides what the next published state would be.
func tryAcquire(state uint64, p Permit, kind waitKind) (uint64, decision) {
	m := extractMode(state)
	count := extractCount(state)

	switch m {
	case modeFree:
		if kind == waitExclusive {
			return pack(modeExclusive, 1, p.int32()), decisionGranted
		}
		return pack(modeShared, 1, 0), decisionGranted

	case modeExclusive:
		if kind == waitExclusive && extractPermit(state) == p.int32() {
			if count == CountMax {
				return state, decisionOverflow
			}
			return pack(modeExclusive, count+1, extractPermit(state)), decisionGranted
		}
		return state, decisionWait

	case modeShared:
		if kind == waitShared {
			if count == CountMax {
				return state, decisionOverflow
			}
			return pack(modeShared, count+1, 0), decisionGranted
		}
		return state, decisionWait
	}

	return state, decisionWait
}

// isReentrantExclusive reports whether state already shows the lock held
// exclusively by p. This is the one request shape spec.md's P5 guarantees
// never blocks, so it must bypass the waiter queue entirely regardless of
// who else is queued -- it is not a new arrival jumping the line, it is
// the existing holder continuing to hold.
func isReentrantExclusive(state uint64, p Permit, kind waitKind) bool {
	return kind == waitExclusive && extractMode(state) == modeExclusive && extractPermit(state) == p.int32()
}
