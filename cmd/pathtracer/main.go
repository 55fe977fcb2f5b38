// Command pathtracer renders triangle scenes with the GPU path tracer.
package main

import (
	"os"

	"github.com/gogpu/pathtracer/cmd/pathtracer/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
