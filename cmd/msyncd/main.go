// msyncd is the marketplace chat sync daemon.
package main

import (
	"flag"
	"os"
	"path/filepath"

	"go.uber.org/fx"

	"github.com/marketsync/marketsync/internal/daemon"
)

func main() {
	home, _ := os.UserHomeDir()
	configPath := flag.String("config", filepath.Join(home, ".msync", "config.toml"), "path to the config file")
	flag.Parse()

	fx.New(daemon.Module(*configPath)).Run()
}
