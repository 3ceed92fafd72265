package collab

import (
	"sync"

	"github.com/samber/lo"
)

// Tracks which projects each connection has joined and not yet left.
type memberships struct {
	mu     sync.Mutex
	byConn map[string]map[string]struct{}
}

func newMemberships() *memberships {
	return &memberships{byConn: make(map[string]map[string]struct{})}
}

func (m *memberships) add(connID, projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	projects, ok := m.byConn[connID]
	if !ok {
		projects = make(map[string]struct{})
		m.byConn[connID] = projects
	}
	projects[projectID] = struct{}{}
}

func (m *memberships) remove(connID, projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	projects, ok := m.byConn[connID]
	if !ok {
		return
	}
	delete(projects, projectID)
	if len(projects) == 0 {
		delete(m.byConn, connID)
	}
}

// Removes and returns every project joined by connID.
func (m *memberships) take(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	projects := lo.Keys(m.byConn[connID])
	delete(m.byConn, connID)
	return projects
}

func (m *memberships) projects(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Keys(m.byConn[connID])
}

// Joined lists the projects connID currently participates in.
func (c *Coordinator) Joined(connID string) []string {
	return c.members.projects(connID)
}

// Disconnect leaves every room the connection had joined.
func (c *Coordinator) Disconnect(connID string) {
	projects := c.members.take(connID)
	for _, projectID := range projects {
		c.Leave(connID, projectID)
	}
	if len(projects) > 0 {
		c.log.Debug("Connection cleaned up", "conn_id", connID, "rooms", len(projects))
	}
}
