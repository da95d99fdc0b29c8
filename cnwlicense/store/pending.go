package store

import "time"

// pending buffers the writes of one unit of work so that backends without
// native rollback can discard them when the work fails.
type pending struct {
	status      *statusChange
	activations []Activation
	usage       map[string]int64
}

type statusChange struct {
	status    Status
	revokedAt *time.Time
}

func (p *pending) setStatus(status Status, revokedAt *time.Time) {
	if revokedAt != nil {
		t := *revokedAt
		revokedAt = &t
	}
	p.status = &statusChange{status: status, revokedAt: revokedAt}
}

func (p *pending) addActivation(a Activation) {
	p.activations = append(p.activations, a)
}

func (p *pending) hasActivation(instanceID string) bool {
	for _, a := range p.activations {
		if a.InstanceID == instanceID {
			return true
		}
	}
	return false
}

func (p *pending) setUsage(metric string, value int64) {
	if p.usage == nil {
		p.usage = make(map[string]int64)
	}
	p.usage[metric] = value
}

// overlay applies the buffered writes to a copy read from the backend.
func (p *pending) overlay(lic *License) {
	if p.status != nil {
		lic.Status = p.status.status
		lic.RevokedAt = p.status.revokedAt
	}
	if len(p.usage) > 0 && lic.Usage == nil {
		lic.Usage = make(map[string]int64, len(p.usage))
	}
	for k, v := range p.usage {
		lic.Usage[k] = v
	}
}

func (p *pending) overlayUsage(usage map[string]int64) map[string]int64 {
	if usage == nil {
		usage = make(map[string]int64, len(p.usage))
	}
	for k, v := range p.usage {
		usage[k] = v
	}
	return usage
}

func (p *pending) empty() bool {
	return p.status == nil && len(p.activations) == 0 && len(p.usage) == 0
}
