package broker

import (
	"context"
	"fmt"

	"github.com/basket/snapq/internal/config"
)

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.BrokerConfig, opts ...Option) (Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite, "":
		s, err := OpenSQLite(cfg.Path, opts...)
		if err != nil {
			return nil, fmt.Errorf("open sqlite broker: %w", err)
		}
		return s, nil
	case config.DriverRedis:
		s, err := OpenRedis(ctx, cfg.RedisURL, cfg.KeyPrefix, opts...)
		if err != nil {
			return nil, fmt.Errorf("open redis broker: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}
}
