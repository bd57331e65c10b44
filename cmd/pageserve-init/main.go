package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/osauer/pageserve/internal/scaffold"
)

func main() {
	var (
		name  = flag.String("name", "", "Site name (defaults to the output directory name)")
		out   = flag.String("out", "", "Output directory (defaults to the site name)")
		port  = flag.Int("port", 3000, "Port written to pageserve.json")
		force = flag.Bool("force", false, "Allow writing into a non-empty directory")
	)

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "pageserve site scaffolding\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: pageserve-init --name=\"My Site\" [flags]\n\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *name == "" && *out == "" {
		flag.Usage()
		os.Exit(1)
	}

	dest, err := scaffold.Generate(scaffold.Options{
		SiteName:  *name,
		OutputDir: *out,
		Port:      *port,
		Force:     *force,
	})
	if err != nil {
		log.Fatalf("generate site: %v", err)
	}

	rel := dest
	if cwd, err := os.Getwd(); err == nil {
		if r, relErr := filepath.Rel(cwd, dest); relErr == nil {
			rel = r
		}
	}

	fmt.Printf("Generated site at %s\n", rel)
	fmt.Println("Next steps:")
	fmt.Printf("  cd %s\n", rel)
	fmt.Println("  pageserve")
}
