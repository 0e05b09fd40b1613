package rules

import "errors"

// signatureSet finds any of a fixed set of literal signatures in one pass
// over the input (Aho-Corasick). Transitions are resolved at build time so
// matching never follows failure links.
type signatureSet struct {
	states []sigState
}

type sigState struct {
	next map[byte]int
	fail int
	// hit is the length of the shortest signature ending here, 0 if none.
	hit int
}

// CompileSignatures builds a matcher for a set of literal signatures.
func CompileSignatures(signatures []string) (Matcher, error) {
	states := []sigState{{next: map[byte]int{}}}
	for _, sig := range signatures {
		if sig == "" {
			continue
		}
		cur := 0
		for i := 0; i < len(sig); i++ {
			nxt, ok := states[cur].next[sig[i]]
			if !ok {
				states = append(states, sigState{next: map[byte]int{}})
				nxt = len(states) - 1
				states[cur].next[sig[i]] = nxt
			}
			cur = nxt
		}
		if states[cur].hit == 0 || len(sig) < states[cur].hit {
			states[cur].hit = len(sig)
		}
	}
	if len(states) == 1 {
		return nil, errors.New("no non-empty signatures")
	}

	// Breadth-first so a state's failure target is complete before its
	// children are linked.
	queue := make([]int, 0, len(states))
	for _, child := range states[0].next {
		queue = append(queue, child)
	}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for b, child := range states[s].next {
			f := states[s].fail
			for f != 0 {
				if _, ok := states[f].next[b]; ok {
					break
				}
				f = states[f].fail
			}
			if t, ok := states[f].next[b]; ok && t != child {
				states[child].fail = t
			}
			if fh := states[states[child].fail].hit; fh != 0 && (states[child].hit == 0 || fh < states[child].hit) {
				states[child].hit = fh
			}
			queue = append(queue, child)
		}
	}

	return &signatureSet{states: states}, nil
}

func (s *signatureSet) step(state int, b byte) int {
	for {
		if nxt, ok := s.states[state].next[b]; ok {
			return nxt
		}
		if state == 0 {
			return 0
		}
		state = s.states[state].fail
	}
}

// Match reports the first signature occurrence, by end position.
func (s *signatureSet) Match(input string) (bool, string) {
	state := 0
	for i := 0; i < len(input); i++ {
		state = s.step(state, input[i])
		if n := s.states[state].hit; n != 0 {
			end := i + 1
			return true, evidence(input, end-n, end)
		}
	}
	return false, ""
}
