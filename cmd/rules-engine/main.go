// Command rules-engine is a local test/admin CLI for the message-inspection
// rules engine: load a rule set, evaluate a single message, and inspect
// cache stats, without standing up a full service.
package main

import "github.com/securecheckio/rules-engine/cmd/rules-engine/cmd"

func main() {
	cmd.Execute()
}
