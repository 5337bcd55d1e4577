// Command irmfile protects and unprotects documents with a
// rights-management envelope.
package main

import (
	"os"

	"github.com/openirm/irmfile/cli"
)

func main() {
	cli.Run(os.Args)
}
