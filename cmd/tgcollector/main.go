// Command tgcollector logs in upstream accounts and collects messages of subscribed dialogs.
package main

import "os"

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
