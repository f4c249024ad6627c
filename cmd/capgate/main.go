// Capgate is an AI capability gateway. Clients ask for a capability such as
// text or image generation; the gateway admits the request, routes it to a
// configured provider and model, and records what it cost.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/eugener/capgate/internal/auth"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/capgate.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	hashSecret := flag.String("hash-secret", "", "print the bcrypt hash of a client secret and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("capgate", version)
		os.Exit(0)
	}

	if *hashSecret != "" {
		hash, err := auth.HashSecret(*hashSecret)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
