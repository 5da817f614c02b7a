package main

import (
	"github.com/amirkhaki/moriarty/cmd/moriarty/cmd"
)

func main() {
	cmd.Execute()
}
