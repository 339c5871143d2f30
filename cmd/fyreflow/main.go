package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fyreflow/fyreflow/internal/config"
	"github.com/fyreflow/fyreflow/internal/flow"
	"github.com/fyreflow/fyreflow/internal/provider"
	"github.com/fyreflow/fyreflow/internal/server"
	"github.com/fyreflow/fyreflow/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	case "validate":
		validate(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  fyreflow serve [--data <dir>] [--port <n>]")
	fmt.Fprintln(os.Stderr, "  fyreflow validate --flow <file.yaml|file.json>")
}

func serve(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	dataDir := fs.String("data", "", "data directory (overrides FYREFLOW_DATA_DIR)")
	port := fs.Int("port", 0, "listen port (overrides PORT)")
	fs.Parse(args)

	cfg := config.FromEnv()
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *port > 0 {
		cfg.Port = *port
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}

	providers, err := loadProviders(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load providers: %v\n", err)
		os.Exit(1)
	}

	srv := server.New(cfg, st, providers)
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func validate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	flowPath := fs.String("flow", "", "pipeline document to validate")
	fs.Parse(args)
	if *flowPath == "" {
		usage()
		os.Exit(1)
	}
	f, err := flow.Load(*flowPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("ok: %s (%d steps, %d links, %d gates)\n", f.ID, len(f.Steps), len(f.Links), len(f.QualityGates))
}

// loadProviders reads providers.json from the data directory and fills in
// env-derived defaults for any backend that has a key but no entry.
func loadProviders(dataDir string) (map[string]provider.Provider, error) {
	providers := map[string]provider.Provider{}

	path := filepath.Join(dataDir, "providers.json")
	if data, err := os.ReadFile(path); err == nil {
		var list []provider.Provider
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		for _, p := range list {
			if p.ID == "" {
				return nil, fmt.Errorf("%s: provider entry missing id", path)
			}
			providers[p.ID] = p
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); key != "" {
		if _, ok := providers["openai"]; !ok {
			providers["openai"] = provider.Provider{
				ID: "openai", Name: "OpenAI", Kind: provider.KindOpenAI,
				AuthMode: provider.AuthAPIKey, APIKey: key,
			}
		}
	}
	if key := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); key != "" {
		if _, ok := providers["claude"]; !ok {
			providers["claude"] = provider.Provider{
				ID: "claude", Name: "Claude", Kind: provider.KindClaude,
				AuthMode: provider.AuthAPIKey, APIKey: key,
			}
		}
	}

	// CLI-only fallbacks keep steps runnable with no credentials at all.
	if _, ok := providers["openai"]; !ok {
		providers["openai"] = provider.Provider{ID: "openai", Name: "OpenAI", Kind: provider.KindOpenAI, AuthMode: provider.AuthAPIKey}
	}
	if _, ok := providers["claude"]; !ok {
		providers["claude"] = provider.Provider{ID: "claude", Name: "Claude", Kind: provider.KindClaude, AuthMode: provider.AuthOAuth}
	}
	return providers, nil
}
