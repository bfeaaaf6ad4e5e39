package cmd

import (
	"encoding/json"
	"fmt"
	"os"
)

// printJSON writes indented JSON to stdout. All command output is JSON
// so it pipes cleanly into jq.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parsePayloadJSON decodes a --payload flag value.
func parsePayloadJSON(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return map[string]interface{}{}, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("parsing payload JSON: %w", err)
	}
	return m, nil
}
