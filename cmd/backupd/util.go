package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// envDefault returns the environment variable key, or def when it is unset.
func envDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// parseEnvFlags turns --env KEY=VALUE and --unset KEY into a script
// environment overlay; a nil value removes the variable.
func parseEnvFlags(set, unset []string) (map[string]*string, error) {
	if len(set) == 0 && len(unset) == 0 {
		return nil, nil
	}
	out := make(map[string]*string, len(set)+len(unset))
	for _, kv := range set {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q, want KEY=VALUE", kv)
		}
		out[k] = &v
	}
	for _, k := range unset {
		if k == "" || strings.Contains(k, "=") {
			return nil, fmt.Errorf("invalid --unset %q, want KEY", k)
		}
		out[k] = nil
	}
	return out, nil
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}
