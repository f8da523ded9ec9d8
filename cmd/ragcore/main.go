// Command ragcore is a local, memory-bounded retrieval engine. It ingests
// documents into a hybrid semantic/lexical index and assembles token-bounded
// context blocks for prompts, from the CLI or over a local HTTP API.
package main

import (
	"os"

	"github.com/54b3r/ragcore/cmd/ragcore/commands"
)

func main() {
	os.Exit(commands.Execute())
}
