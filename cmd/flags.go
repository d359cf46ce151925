package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// flagValue reads a flag registered in init(). A lookup error means the flag name
// is misspelled or has a different type, so it panics instead of returning.
func flagValue[T any](name string, get func(string) (T, error)) T {
	val, err := get(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

func mustGetBool(cmd *cobra.Command, name string) bool {
	return flagValue(name, cmd.Flags().GetBool)
}

func mustGetInt(cmd *cobra.Command, name string) int {
	return flagValue(name, cmd.Flags().GetInt)
}

func mustGetString(cmd *cobra.Command, name string) string {
	return flagValue(name, cmd.Flags().GetString)
}

func mustGetFloat64(cmd *cobra.Command, name string) float64 {
	return flagValue(name, cmd.Flags().GetFloat64)
}

// mustGetStringSlice reads a comma-separated, repeatable flag.
func mustGetStringSlice(cmd *cobra.Command, name string) []string {
	return flagValue(name, cmd.Flags().GetStringSlice)
}

// mustGetStringArray reads a repeatable flag without splitting on commas.
func mustGetStringArray(cmd *cobra.Command, name string) []string {
	return flagValue(name, cmd.Flags().GetStringArray)
}
