package storage

import (
	"fmt"
	"log"

	"github.com/gotrs-io/datawallet/internal/config"
)

// NewFromConfig builds the content store described by cfg: an IPFS node with
// gateway fallbacks, or a local filesystem store.
func NewFromConfig(cfg config.ContentConfig, logger *log.Logger) (ContentStore, error) {
	switch cfg.Backend {
	case "ipfs":
		opts := []IPFSOption{WithIPFSTimeout(cfg.Timeout), WithIPFSToken(cfg.APIToken)}
		primary := NewIPFSStore(cfg.APIEndpoint, "", opts...)
		fallbacks := make([]ContentStore, 0, len(cfg.Gateways))
		for _, gw := range cfg.Gateways {
			fallbacks = append(fallbacks, NewIPFSGateway(gw, WithIPFSTimeout(cfg.Timeout)))
		}
		return NewFallbackStore(primary, fallbacks...).WithLogger(logger), nil
	case "fs", "":
		fs, err := NewFilesystemStore(cfg.LocalPath)
		if err != nil {
			return nil, err
		}
		return NewFallbackStore(fs).WithLogger(logger), nil
	default:
		return nil, fmt.Errorf("unknown content backend %q", cfg.Backend)
	}
}
