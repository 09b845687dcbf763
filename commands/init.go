package commands

import (
	"context"

	"github.com/sirupsen/logrus"

	"huddle/config"
)

var log = logrus.New()

func RunInit(ctx context.Context, cfg *config.Config) {
	if err := cfg.Save(); err != nil {
		log.Fatalf("Failed to write config: %v", err)
	}
}
