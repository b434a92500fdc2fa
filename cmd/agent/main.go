package main

import (
	"log"

	"github.com/forgelight-games/forgelight-fleet/internal/platform"
)

func main() {
	if err := platform.RunAgent(); err != nil {
		log.Fatalf("agent failed: %v", err)
	}
}
