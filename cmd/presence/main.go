package main

import (
	"github.com/leshachaplin/presence/app"
	"github.com/leshachaplin/presence/internal/config"
)

func main() {
	app.New(config.Load).Start()
}
