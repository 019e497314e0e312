package chain

import (
	"sort"

	"grimm.is/tapguard/internal/rule"
)

// Line is one script line of an instruction. Either Cmd or Raw is
// set: Cmd holds tool arguments (the script builder prepends the tool
// variable and wires up execution), Raw is emitted verbatim (shell
// variable assignments).
type Line struct {
	Cmd string
	Raw string

	// CheckError makes a failing Cmd abort the whole script.
	CheckError bool
}

// Instruction is one compiled unit of work, bound to a tool family
// and carrying the ordering metadata the deployment flow sorts on.
// Rule instructions hold a single checked line; chain-creation
// instructions hold the flush/delete/create/link sequence.
type Instruction struct {
	Layer rule.Layer

	Lines []Line

	// Suffix is the chain the instruction targets: RootSuffix for
	// the interface root chain, a protocol suffix for a child chain.
	Suffix string

	Priority int
}

// Rule returns a single-line checked instruction.
func Rule(layer rule.Layer, suffix string, priority int, cmd string) Instruction {
	return Instruction{
		Layer:    layer,
		Suffix:   suffix,
		Priority: priority,
		Lines:    []Line{{Cmd: cmd, CheckError: true}},
	}
}

// Sort orders instructions for insertion: root-chain commands first,
// then ascending priority. Equal keys keep their declaration order so
// chain creation stays ahead of the rules inserted into the chain.
func Sort(insts []Instruction) {
	sort.SliceStable(insts, func(i, j int) bool {
		ri := insts[i].Suffix == RootSuffix
		rj := insts[j].Suffix == RootSuffix
		if ri != rj {
			return ri
		}
		return insts[i].Priority < insts[j].Priority
	})
}
