package pool

// DomainStats describes one application root in a Stats snapshot.
type DomainStats struct {
	AppRoot     string `json:"app_root"`
	Size        int    `json:"size"`
	Active      int    `json:"active"`
	MaxRequests uint64 `json:"max_requests"`
}

// Stats is a point-in-time snapshot of the pool taken under the lock.
type Stats struct {
	Count              int    `json:"count"`
	Active             int    `json:"active"`
	Idle               int    `json:"idle"`
	Max                int    `json:"max"`
	MaxPerApp          int    `json:"max_per_app"`
	GlobalQueueWaiting int    `json:"global_queue_waiting"`
	Spawns             uint64 `json:"spawns"`
	Evictions          uint64 `json:"evictions"`
	Retired            uint64 `json:"retired"`
	Expired            uint64 `json:"expired"`

	Domains []DomainStats `json:"domains"`
}

// Stats returns a consistent snapshot of counters and per-domain sizes.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Count:              p.count,
		Active:             p.active,
		Idle:               p.idle.Len(),
		Max:                p.max,
		MaxPerApp:          p.maxPerApp,
		GlobalQueueWaiting: p.globalQueueWaiting,
		Spawns:             p.spawns,
		Evictions:          p.evictions,
		Retired:            p.retired,
		Expired:            p.expired,
		Domains:            make([]DomainStats, 0, len(p.domains)),
	}

	for _, d := range p.domains {
		ds := DomainStats{
			AppRoot:     d.appRoot,
			Size:        d.size,
			MaxRequests: d.maxRequests,
		}
		for e := d.containers.Front(); e != nil; e = e.Next() {
			if e.Value.(*Container).sessions > 0 {
				ds.Active++
			}
		}
		s.Domains = append(s.Domains, ds)
	}

	return s
}
