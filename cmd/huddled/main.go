package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/huddle/internal/config"
	"github.com/matheus3301/huddle/internal/daemon"
	"github.com/matheus3301/huddle/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default ~/.huddle/config.toml)")
	identityFlag := flag.String("identity", "", "sign in as this identity at startup")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath = profile.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config: %v\n", err)
		os.Exit(1)
	}
	if *identityFlag != "" {
		cfg.Identity = *identityFlag
	}

	app := fx.New(
		daemon.Module(daemon.Params{ProfileName: profileName, Config: cfg}),
	)

	app.Run()
}
