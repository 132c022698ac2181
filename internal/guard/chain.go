package guard

// Collapse reduces a raw delegation chain to its effective call stack.
// Walking the chain left to right, a session id that already appears on the
// stack truncates the stack back to that id: a call "returning" to an
// ancestor is a continuation of the ancestor's frame, not a deeper level of
// recursion. A→B→A→B ping-pong therefore collapses to [A B] rather than
// counting as depth 4.
func Collapse(chain []string) []string {
	stack := make([]string, 0, len(chain))
	for _, id := range chain {
		found := -1
		for i, existing := range stack {
			if existing == id {
				found = i
				break
			}
		}
		if found >= 0 {
			stack = stack[:found+1]
			continue
		}
		stack = append(stack, id)
	}
	return stack
}

// EffectiveDepth returns the collapsed depth of a raw chain.
func EffectiveDepth(chain []string) int {
	return len(Collapse(chain))
}
