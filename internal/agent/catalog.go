package agent

import (
	"sort"
	"sync"

	"easyagent-client/internal/config"
	"easyagent-client/internal/model"
)

// Catalog 对外公布的 Agent 目录
type Catalog struct {
	mu     sync.RWMutex
	agents map[string]model.AgentDetail
	load   func() []config.AgentConfig
}

// NewCatalog load 在构造和每次 Reload 时调用
func NewCatalog(load func() []config.AgentConfig) *Catalog {
	c := &Catalog{load: load}
	c.Reload()
	return c
}

func (c *Catalog) Reload() int {
	agents := make(map[string]model.AgentDetail)
	for _, a := range c.load() {
		if a.Name == "" {
			continue
		}
		version := a.Version
		if version == "" {
			version = "1.0.0"
		}
		agents[a.Name] = model.AgentDetail{
			AgentInfo: model.AgentInfo{
				Name:        a.Name,
				Description: a.Description,
				Handles:     a.Handles,
				IsActive:    a.IsActive,
				Version:     version,
			},
			Parameters:        map[string]string{"builtin": boolString(a.Builtin)},
			SupportsStreaming: true,
		}
	}

	c.mu.Lock()
	c.agents = agents
	c.mu.Unlock()
	return len(agents)
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (c *Catalog) List() []model.AgentInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]model.AgentInfo, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a.AgentInfo)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Catalog) Get(name string) (model.AgentDetail, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	a, ok := c.agents[name]
	return a, ok
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.agents)
}
