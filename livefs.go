// Serve a database from a backup while it restores in place.
package main

import "github.com/livefs/livefs/cmd"

func main() {
	cmd.Main()
}
