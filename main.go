package main

import (
	"flag"

	"github.com/aurelia-audio/aurelia/internal/app"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	app.New(*configPath).Run()
}
