package main

import "github.com/drgolem/beatsync/cmd"

func main() {
	cmd.Execute()
}
