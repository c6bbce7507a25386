package main

import (
	"shopsync/cmd/shopsync/commands"
	"shopsync/lib/osutil"
)

func main() {
	commands.ExecuteContext(osutil.SignalContext())
}
