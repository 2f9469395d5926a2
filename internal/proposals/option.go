package proposals

import (
	"encoding/json"
	"fmt"
	"strings"
)

// VoteOption enumerates the ballot choices.
type VoteOption int

const (
	// VoteFor supports the proposal.
	VoteFor VoteOption = iota
	// VoteAgainst opposes the proposal.
	VoteAgainst
	// VoteAbstain records participation without preference.
	VoteAbstain

	voteOptionCount
)

var voteOptionKeys = [...]string{
	VoteFor:     "for",
	VoteAgainst: "against",
	VoteAbstain: "abstain",
}

// Fails to compile when an option is added without a key.
var _ = [1]struct{}{}[len(voteOptionKeys)-int(voteOptionCount)]

// AllVoteOptions lists every option in display order.
func AllVoteOptions() []VoteOption {
	options := make([]VoteOption, 0, voteOptionCount)
	for option := VoteOption(0); option < voteOptionCount; option++ {
		options = append(options, option)
	}
	return options
}

// ParseVoteOption converts a wire key ("for", "against", "abstain") into a VoteOption.
func ParseVoteOption(rawInput string) (VoteOption, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawInput))
	for option, key := range voteOptionKeys {
		if key == normalized {
			return VoteOption(option), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidOption, rawInput)
}

// Valid reports whether the option is one of the enumerated values.
func (o VoteOption) Valid() bool {
	return o >= 0 && o < voteOptionCount
}

// String returns the wire key.
func (o VoteOption) String() string {
	if !o.Valid() {
		return fmt.Sprintf("VoteOption(%d)", int(o))
	}
	return voteOptionKeys[o]
}

func (o VoteOption) MarshalText() ([]byte, error) {
	if !o.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidOption, int(o))
	}
	return []byte(voteOptionKeys[o]), nil
}

func (o *VoteOption) UnmarshalText(text []byte) error {
	parsed, err := ParseVoteOption(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// Tally holds the accumulated weight per option. Every option always has a slot, so a missing key reads as zero.
type Tally [voteOptionCount]float64

// NewTally builds a tally from a keyed mapping, ignoring unknown keys and clamping negatives to zero.
func NewTally(values map[string]float64) Tally {
	var tally Tally
	for key, value := range values {
		option, err := ParseVoteOption(key)
		if err != nil {
			continue
		}
		if value > 0 {
			tally[option] = value
		}
	}
	return tally
}

// Get returns the tally for a single option.
func (t Tally) Get(option VoteOption) float64 {
	if !option.Valid() {
		return 0
	}
	return t[option]
}

// Total sums every option. It is computed on read and never stored.
func (t Tally) Total() float64 {
	total := 0.0
	for _, value := range t {
		total += value
	}
	return total
}

// Map renders the tally keyed by wire option names.
func (t Tally) Map() map[string]float64 {
	values := make(map[string]float64, voteOptionCount)
	for option, value := range t {
		values[voteOptionKeys[option]] = value
	}
	return values
}

func (t Tally) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Map())
}

func (t *Tally) UnmarshalJSON(data []byte) error {
	var values map[string]float64
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	*t = NewTally(values)
	return nil
}
