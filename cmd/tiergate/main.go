// tiergate is the node-side access gateway: sshd ForceCommand entry point,
// credential issuer, breakglass manager, and config change pipeline.
package main

import "github.com/ppiankov/tiergate/internal/cli"

func main() {
	cli.Execute()
}
