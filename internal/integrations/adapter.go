package integrations

import "synergy/internal/model"

// LoadSource defines the minimal interface for external marketplace feeds
// (shipper portals, broker APIs, file drops).
type LoadSource interface {
    Name() string
    Authenticate(cfg map[string]any) (AuthState, error)
    FetchLoads(since string, cursor string) (LoadBatch, error)
    AckLoads(ids []string) error
}

type AuthState struct {
    Method string
    Token  string
}

type LoadBatch struct {
    Loads  []model.MarketplaceLoad
    Cursor string
}
