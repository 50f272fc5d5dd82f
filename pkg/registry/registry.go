// Package registry holds the fixed, immutable table of pipeline stages:
// their order and their attribution weight. Nothing in this package
// touches I/O or mutable state — it exists so the scheduler and the
// attribution engine share a single source of truth for "what stage
// comes next" and "how much is this stage worth".
package registry

import "fmt"

// StageName is one of the seven fixed pipeline stage identifiers.
type StageName string

const (
	Research StageName = "RESEARCH"
	Script   StageName = "SCRIPT"
	Voice    StageName = "VOICE"
	Music    StageName = "MUSIC"
	Visual   StageName = "VISUAL"
	Editor   StageName = "EDITOR"
	Publish  StageName = "PUBLISH"
)

// stageOrder is the fixed, lifetime-stable sequence of stages. Changing
// this table requires a data migration for any pipeline already in flight.
var stageOrder = []StageName{Research, Script, Voice, Music, Visual, Editor, Publish}

// weights maps each stage to its attribution percentage. The values sum
// to exactly 100; see TestWeightsSumToOneHundred.
var weights = map[StageName]int{
	Research: 10,
	Script:   25,
	Voice:    20,
	Music:    10,
	Visual:   15,
	Editor:   15,
	Publish:  5,
}

// None is returned by NextStage/Predecessor when there is no such stage.
const None StageName = "none"

// Stages returns the ordered list of all seven stage names. The
// returned slice is a copy; callers may not mutate the registry through it.
func Stages() []StageName {
	out := make([]StageName, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// Valid reports whether name is one of the seven registered stages.
func Valid(name StageName) bool {
	_, ok := indexOf(name)
	return ok
}

// Weight returns the attribution weight (a whole percent) for name.
// It panics if name is not a registered stage — callers are expected
// to validate with Valid first. The scheduler only passes stage names
// read back from the store, never a name taken straight from caller input.
func Weight(name StageName) int {
	w, ok := weights[name]
	if !ok {
		panic(fmt.Sprintf("registry: unknown stage %q", name))
	}
	return w
}

// NextStage returns the stage that follows name in the fixed order, or
// None if name is the terminal stage or is not a registered stage.
func NextStage(name StageName) StageName {
	idx, ok := indexOf(name)
	if !ok || idx == len(stageOrder)-1 {
		return None
	}
	return stageOrder[idx+1]
}

// Predecessor returns the stage that precedes name in the fixed order,
// or None if name is the first stage or is not a registered stage.
func Predecessor(name StageName) StageName {
	idx, ok := indexOf(name)
	if !ok || idx == 0 {
		return None
	}
	return stageOrder[idx-1]
}

// Order returns the 1-based position of name in the fixed sequence, or
// 0 if name is not registered. Used by the scheduler to sort the ready
// set by stage order ascending.
func Order(name StageName) int {
	idx, ok := indexOf(name)
	if !ok {
		return 0
	}
	return idx + 1
}

// First returns the first stage in the fixed order.
func First() StageName {
	return stageOrder[0]
}

// Last returns the terminal stage in the fixed order.
func Last() StageName {
	return stageOrder[len(stageOrder)-1]
}

// TotalWeight sums the weights of every registered stage. A conforming
// registry always returns 100.
func TotalWeight() int {
	total := 0
	for _, w := range weights {
		total += w
	}
	return total
}

func indexOf(name StageName) (int, bool) {
	for i, s := range stageOrder {
		if s == name {
			return i, true
		}
	}
	return 0, false
}
