package config_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/latticeworks/lattice/config"
)

func ExampleLoadFile() {
	cfg, err := config.LoadFile("lattice.yaml")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(cfg.Graph.Storage, cfg.Server.Bind)
}

func ExampleManager_OnChange() {
	mgr, err := config.NewManager("lattice.yaml")
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer mgr.Stop(5 * time.Second)

	for update := range mgr.OnChange("query") {
		cfg := update.Config.Get()
		fmt.Println("query limits now", cfg.Query.RateLimit, cfg.Query.RateBurst)
	}
}
