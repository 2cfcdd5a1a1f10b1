package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/opsdesk/vaultsync/internal/cli"
)

func main() {

	server := flag.String("s", "http://localhost:8080", "control API base URL")
	token := flag.String("t", os.Getenv("VAULTSYNC_TOKEN"), "bearer token (defaults to VAULTSYNC_TOKEN)")
	flag.Parse()

	app := cli.NewApp(cli.NewClient(*server, *token), os.Stdin, os.Stdout)

	if err := app.Run(context.Background(), flag.Args()); err != nil {
		log.Fatalf("%v", err)
	}

}
