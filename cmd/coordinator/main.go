package main

import (
	"log"

	"github.com/forgelight-games/forgelight-fleet/internal/platform"
)

func main() {
	if err := platform.RunCoordinator(); err != nil {
		log.Fatalf("coordinator failed: %v", err)
	}
}
