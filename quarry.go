package main

import (
	"github.com/caesium-cloud/quarry/cmd"
	"github.com/caesium-cloud/quarry/pkg/env"
	"github.com/caesium-cloud/quarry/pkg/log"
)

func main() {
	if err := env.Process(); err != nil {
		log.Fatal("environment failure", "error", err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal("quarry failure", "error", err)
	}
}
