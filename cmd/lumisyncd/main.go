package main

import (
	"github.com/ruppdi75/lumi-sync/cmd/lumisyncd/cmd"
)

func main() {
	cmd.Execute()
}
