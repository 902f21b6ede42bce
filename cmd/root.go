package main

import (
	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "evidenced"}

	root.AddCommand(serveCMD(), migrateCMD(), ingestCMD())
	_ = root.Execute()
}
