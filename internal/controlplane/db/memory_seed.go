package store

// Catalog data (plans, templates, clusters, nodes, promotions) is loaded
// once at startup from migrations/an admin import path in PostgresRepo;
// MemoryRepo has no such loader, so tests exercising order/provision/vps
// against it seed the catalog directly through these helpers instead of
// going through the narrower Repo interface.

func (m *MemoryRepo) SeedPlan(p Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[p.ID] = p
}

func (m *MemoryRepo) SeedTemplate(t Template) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.ID] = t
}

func (m *MemoryRepo) SeedCluster(c Cluster) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clusters[c.ID] = c
}

func (m *MemoryRepo) SeedNode(n Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[n.ID] = n
}

func (m *MemoryRepo) SeedStorage(s Storage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storages[s.ID] = s
}

func (m *MemoryRepo) SeedPromotion(p Promotion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promotions[p.ID] = p
}
