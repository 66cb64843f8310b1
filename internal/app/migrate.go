package app

import (
	"context"

	"postcast/internal/config"
	"postcast/internal/storage"
	logx "postcast/pkg/logx"
)

// Migrate applies pending schema migrations without starting anything else.
func Migrate(ctx context.Context, cfgm *config.ConfigManager, log logx.Logger) ([]int64, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Connect(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return st.Migrate(ctx)
}
