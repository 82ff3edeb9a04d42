package main

import (
	"github/chapool/go-rebalancer/cmd"
)

func main() {
	cmd.Execute()
}
