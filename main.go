package main

import (
	"github.com/KumoCorp/recursor/cmd"
)

func main() {
	cmd.Execute()
}
