package api

import (
	"github.com/shehryarbajwa/applypilot/internal/orchestrator"
	"github.com/shehryarbajwa/applypilot/internal/transport"
	"github.com/shehryarbajwa/applypilot/pkg/models"
)

// PortResolver attaches websocket channels to the manager's platform handlers
func PortResolver(m *orchestrator.Manager) transport.Resolver {
	return func(p models.Platform) (transport.Endpoint, bool) {
		h, ok := m.Handler(p)
		if !ok {
			return nil, false
		}
		return h, true
	}
}
