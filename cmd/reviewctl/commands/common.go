package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// jsonOutput reports whether --format json was selected.
func jsonOutput() bool {
	return viper.GetString("format") == "json"
}

// printJSON writes v to stdout, indented.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printRawJSON re-indents a raw document to stdout.
func printRawJSON(doc json.RawMessage) error {
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		fmt.Println(string(doc))
		return nil
	}

	return printJSON(v)
}
