package progression

import (
	"errors"
	"fmt"
	"sort"
)

// DefaultXPPerExchange is the fixed award for one completed exchange.
const DefaultXPPerExchange int64 = 20

var (
	// ErrInvalidThresholds indicates the XP thresholds are empty, do not start at zero or are not strictly increasing.
	ErrInvalidThresholds = errors.New("progression: invalid thresholds")
	// ErrInvalidMilestone indicates a milestone references a level the ladder cannot reach.
	ErrInvalidMilestone = errors.New("progression: invalid milestone")
)

// Milestone is the one-time narrative event attached to reaching a level.
type Milestone struct {
	Level         int    `json:"level"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	UnlockMessage string `json:"unlock_message"`
}

// Standing is the progression state of one relationship.
type Standing struct {
	Level int
	XP    int64
}

// Outcome describes the result of applying one exchange to a standing.
type Outcome struct {
	Previous   Standing
	Current    Standing
	XPAwarded  int64
	LeveledUp  bool
	Milestones []Milestone
}

// NewLevel returns the reached level when the exchange leveled up.
func (o Outcome) NewLevel() (int, bool) {
	if !o.LeveledUp {
		return 0, false
	}
	return o.Current.Level, true
}

// Ladder maps cumulative XP onto levels and levels onto milestones.
// thresholds[i] is the XP required for level i+1.
type Ladder struct {
	thresholds []int64
	milestones map[int]Milestone
}

// NewLadder validates the threshold table and milestone definitions.
func NewLadder(thresholds []int64, milestones []Milestone) (*Ladder, error) {
	if len(thresholds) == 0 || thresholds[0] != 0 {
		return nil, fmt.Errorf("%w: level 1 must start at 0 xp", ErrInvalidThresholds)
	}
	for index := 1; index < len(thresholds); index++ {
		if thresholds[index] <= thresholds[index-1] {
			return nil, fmt.Errorf("%w: level %d threshold %d is not above %d", ErrInvalidThresholds, index+1, thresholds[index], thresholds[index-1])
		}
	}
	byLevel := make(map[int]Milestone, len(milestones))
	for _, milestone := range milestones {
		if milestone.Level < 2 || milestone.Level > len(thresholds) {
			return nil, fmt.Errorf("%w: level %d", ErrInvalidMilestone, milestone.Level)
		}
		byLevel[milestone.Level] = milestone
	}
	return &Ladder{
		thresholds: append([]int64(nil), thresholds...),
		milestones: byLevel,
	}, nil
}

// MaxLevel returns the highest reachable level.
func (l *Ladder) MaxLevel() int {
	return len(l.thresholds)
}

// Threshold returns the XP required for level, or false when the level does not exist.
func (l *Ladder) Threshold(level int) (int64, bool) {
	if level < 1 || level > len(l.thresholds) {
		return 0, false
	}
	return l.thresholds[level-1], true
}

// LevelFor returns the highest level whose threshold is at most xp.
func (l *Ladder) LevelFor(xp int64) int {
	if xp < 0 {
		return 1
	}
	index := sort.Search(len(l.thresholds), func(i int) bool {
		return l.thresholds[i] > xp
	})
	return index
}

// Milestone returns the milestone defined for level.
func (l *Ladder) Milestone(level int) (Milestone, bool) {
	milestone, ok := l.milestones[level]
	return milestone, ok
}

// Apply awards xp to the standing and recomputes the level. Level and XP never decrease:
// a stored level above the computed one is kept and negative awards are ignored.
func (l *Ladder) Apply(before Standing, award int64) Outcome {
	if award < 0 {
		award = 0
	}
	previous := before
	if previous.Level < 1 {
		previous.Level = 1
	}
	if previous.XP < 0 {
		previous.XP = 0
	}

	current := Standing{XP: previous.XP + award}
	current.Level = l.LevelFor(current.XP)
	if current.Level < previous.Level {
		current.Level = previous.Level
	}

	outcome := Outcome{
		Previous:  previous,
		Current:   current,
		XPAwarded: award,
		LeveledUp: current.Level > previous.Level,
	}
	if outcome.LeveledUp {
		for level := previous.Level + 1; level <= current.Level; level++ {
			if milestone, ok := l.milestones[level]; ok {
				outcome.Milestones = append(outcome.Milestones, milestone)
			}
		}
	}
	return outcome
}
