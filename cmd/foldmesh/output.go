// Copyright (C) 2025 Foldmesh Authors (dev@foldmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// stdoutIsTTY decides output formatting: pretty-printed JSON for a
// terminal, compact JSON for pipes.
func stdoutIsTTY() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// printJSON writes a value as JSON, indented when on a terminal.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	if stdoutIsTTY() {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

// printRaw writes already-encoded JSON, re-indenting for terminals.
func printRaw(raw json.RawMessage) error {
	if !stdoutIsTTY() {
		fmt.Println(string(raw))
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	return printJSON(v)
}
