package main

// ============================================================================
// stageflow 入口點：建立 CLI 並以其結果作為 exit code
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/stageflow/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(2)
		}
	}()
	os.Exit(cli.Execute())
}
