package fetch

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/timzifer/sldsync/config"
	"github.com/timzifer/sldsync/diagram"
)

// New builds the fetcher described by cfg.
func New(cfg config.BackendConfig, logger zerolog.Logger) (diagram.Fetcher, error) {
	switch cfg.Kind {
	case config.BackendHTTP:
		return NewHTTPFetcher(cfg.URL, cfg.Timeout.Duration, logger)
	case config.BackendDir:
		return NewDirFetcher(cfg.Dir, logger)
	default:
		return nil, fmt.Errorf("unsupported backend kind %q", cfg.Kind)
	}
}
