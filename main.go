package main

import "github.com/nethalo/sologate/cmd"

func main() {
	cmd.Execute()
}
