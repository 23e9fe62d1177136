package main

import "github.com/ganamos/backend/cmd/ganamos-cli/cmd"

func main() {
	cmd.Execute()
}
