// Command testhost is a script host child that serves built-in Go modules instead of running a script.
// Point host.Options.NodePath at it to exercise the host without a JavaScript runtime.
package main

import (
	"os"

	"github.com/guseggert/scripthost/internal/hostserver"
)

func main() {
	os.Exit(hostserver.Main(os.Args[1:]))
}
