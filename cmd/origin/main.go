package main

import (
	"log"
	"os"
	"strings"

	"github.com/Mirocow/lampatv-proxy/internal/origin"
)

func main() {
	addr := strings.TrimSpace(os.Getenv("ORIGIN_LISTEN"))
	if addr == "" {
		addr = ":8000"
	}
	log.Printf("starting demo origin on %s", addr)
	if err := origin.Start(addr); err != nil {
		log.Fatal(err)
	}
}
