package dbproxy

// Consistent reports whether the phase and the live fork agree.
func (p *Proxy) Consistent() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.phase {
	case PhaseMaterialized, PhaseSaving:
		return p.live != nil
	default:
		return p.live == nil
	}
}
