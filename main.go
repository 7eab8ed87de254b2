// Command jobmon is the entry point for the jobmon workflow-orchestration
// services and client commands.
package main

import (
	"github.com/ihmeuw-scicomp/jobmon/cli"
)

func main() {
	cli.Execute()
}
