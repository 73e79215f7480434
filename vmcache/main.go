package main

import (
	"os"

	"github.com/sahib/vmcache/cmd"
)

func main() {
	os.Exit(cmd.RunCmdline(os.Args))
}
