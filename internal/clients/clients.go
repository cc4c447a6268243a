package clients

import (
	"context"

	"syncbridge/internal/config"
	"syncbridge/internal/domain"
)

// Bundle is the set of vendor clients built for one invocation.
type Bundle struct {
	BC        *BCClient
	Graph     *GraphClient
	Dataverse *DataverseClient
}

func NewBundle(ctx context.Context, cfg *config.Config) *Bundle {
	return &Bundle{
		BC:        NewBCClient(ctx, cfg.BC),
		Graph:     NewGraphClient(ctx, cfg.Graph),
		Dataverse: NewDataverseClient(ctx, cfg.Premium),
	}
}

// Tasks exposes the bundle through the executor's interfaces.
func (b *Bundle) Tasks() domain.Clients {
	return domain.Clients{BC: b.BC, Planner: b.Graph, Premium: b.Dataverse}
}
