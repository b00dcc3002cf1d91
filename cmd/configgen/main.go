package main

import (
	"flag"
	"log"

	"github.com/danmuck/tlvrelay/internal/config"
)

const defaultPath = "cmd/relayd/config.toml"

func main() {
	output := flag.String("output", defaultPath, "output path for config template")
	format := flag.String("format", "", "template format: toml|yaml (defaults to the output extension)")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", defaultPath, "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		cfg, err := config.Load(*input)
		if err != nil {
			log.Fatal(err)
		}
		for _, r := range cfg.Relays {
			log.Printf("%s relay on %s (journal=%s overflow=%s)", r.Domain, r.Endpoint, r.Journal.Kind, r.Overflow)
		}
		log.Printf("Validated config at %s", *input)
		return
	}

	if err := config.WriteTemplate(*output, *format, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote config template to %s", *output)
}
