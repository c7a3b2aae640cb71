package main

import "github.com/davarch/pipeline-view/cmd/pipeline-view/cli"

func main() {
	cli.Execute()
}
