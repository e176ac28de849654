// Command agentguard evaluates tool-call authorization, drives multi-party
// approvals and checks data scopes from policy documents on disk.
package main

import "github.com/Sentinel-Gate/agentguard/cmd/agentguard/cmd"

func main() {
	cmd.Execute()
}
