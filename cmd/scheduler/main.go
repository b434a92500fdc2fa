package main

import (
	"log"

	"github.com/forgelight-games/forgelight-fleet/internal/platform"
)

func main() {
	if err := platform.RunScheduler(); err != nil {
		log.Fatalf("scheduler failed: %v", err)
	}
}
