package main

import (
	"github.com/dfirkit/gograb/internal/cmd"
)

func main() {
	cmd.Execute()
}
