// Command netrpc runs a demo Calc server or calls any registered service
// from the command line.
//
//	netrpc serve --listen :18866 --registry 127.0.0.1:2379
//	netrpc call Calc.Add 1 2 --version 1.0
//	netrpc call Calc.Add 1 2 --addr 127.0.0.1:18866
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
