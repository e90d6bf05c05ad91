// Licensed under the MIT License. See LICENSE file in the project root for details.

package epoch

import "strconv"

// Epoch is a generation counter marking one round of required stack processing.
// Epochs are compared by equality only.
type Epoch uint32

// State packs an epoch and a done flag into one word.
// Layout: [epoch:32][unused:31][done:1]
type State uint64

const doneBit State = 1

// NewState creates a state word for epoch e.
func NewState(e Epoch, done bool) State {
	s := State(e) << 32
	if done {
		s |= doneBit
	}
	return s
}

// Epoch extracts the epoch from the state word.
func (s State) Epoch() Epoch {
	return Epoch(s >> 32)
}

// Done reports whether the iteration for s.Epoch() has completed.
func (s State) Done() bool {
	return s&doneBit != 0
}

// String returns "epoch/done" or "epoch/active".
func (s State) String() string {
	if s.Done() {
		return strconv.FormatUint(uint64(s.Epoch()), 10) + "/done"
	}
	return strconv.FormatUint(uint64(s.Epoch()), 10) + "/active"
}
