package main

import (
	"log"

	"github.com/ranchlab/fleethub/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
