package main

import "github.com/buildsys-io/buildsys/cmd"

func main() {
	cmd.Execute()
}
