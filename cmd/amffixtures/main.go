// Package main writes AMF remoting envelopes to disk for use as test
// fixtures by other AMF implementations.
package main

import (
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/joho/godotenv"

	"github.com/DMA-Software/dma-goamf/pkg/remoting"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("Failed to load .env: %v", err)
	}

	config, err := parseFlags(os.Args[1:])
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	var opts []remoting.Option
	if config.Verbose {
		opts = append(opts, remoting.WithLogger(log.Default()))
	}

	files, err := generate(config, opts...)
	if err != nil {
		log.Fatalf("Failed to generate fixtures: %v", err)
	}

	if err := writeFiles(config.OutputDir, files); err != nil {
		log.Fatalf("Failed to write fixtures: %v", err)
	}
	log.Printf("Wrote %d fixtures to %s", len(files), config.OutputDir)
}

func writeFiles(dir string, files map[string][]byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, files[name], 0o644); err != nil {
			return err
		}
		log.Printf("Wrote %s (%d bytes)", path, len(files[name]))
	}
	return nil
}
