package matching

// Candidate is a pairing decision: both entries are already locked.
type Candidate struct {
	A *Entry // the entry whose phase timer ran the scan
	B *Entry // the partner found in the pool
}

// EligibleFunc reports whether two tokens may be paired at all, e.g. that
// neither has blocked the other.
type EligibleFunc func(a, b string) bool

// TryPriorityMatch runs the phase-1 scan for token: only an unlocked entry
// with exactly the same non-generic topic qualifies. Returns nil when the
// entry is missing, locked, generic, or nothing matches.
func (p *Pool) TryPriorityMatch(token string, eligible EligibleFunc) *Candidate {
	self := p.byToken[token]
	if self == nil || self.Locked || self.Generic() {
		return nil
	}
	return p.scan(self, eligible, func(c *Entry) bool {
		return !c.Generic() && c.Field == self.Field
	})
}

// TryOpenMatch runs the phase-2 scan for token: a candidate qualifies if
// it is itself open to any partner, or if its topic equals ours.
func (p *Pool) TryOpenMatch(token string, eligible EligibleFunc) *Candidate {
	self := p.byToken[token]
	if self == nil || self.Locked {
		return nil
	}
	return p.scan(self, eligible, func(c *Entry) bool {
		return c.Phase == PhaseOpenToAny || c.Field == self.Field
	})
}

// scan walks the pool oldest first and locks self together with the first
// compatible candidate before returning, so no later scan can pick either.
func (p *Pool) scan(self *Entry, eligible EligibleFunc, compatible func(*Entry) bool) *Candidate {
	for _, c := range p.entries {
		if c == self || c.Locked {
			continue
		}
		if !compatible(c) {
			continue
		}
		if eligible != nil && !eligible(self.Token, c.Token) {
			continue
		}
		self.Locked = true
		c.Locked = true
		return &Candidate{A: self, B: c}
	}
	return nil
}
