// Command toolgate is the governance proxy binary: it loads a deployment
// config, mounts every configured upstream tool server behind the policy
// engine, and serves the governed tool surface until asked to stop.
package main

import "github.com/toolgate/toolgate/cmd/toolgate/cmd"

func main() {
	cmd.Execute()
}
