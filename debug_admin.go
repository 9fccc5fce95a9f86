package main

import (
	"fmt"
	"log"
	"os"

	"github.com/orbit-ai/orbit/internal/config"
)

func main() {
	cfg, err := config.Load(os.Getenv("ORBIT_CONFIG"))
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("AdminToken set: %v\n", cfg.Security.AdminToken != "")
	fmt.Printf("RateLimiting enabled: %v\n", cfg.Security.RateLimiting.Enabled)
	fmt.Printf("APIKeys header: '%s'\n", cfg.APIKeys.Header)
	fmt.Printf("Static bindings: %d\n", len(cfg.APIKeys.Static))
}
