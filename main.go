// File: main.go
package main

import (
	"github.com/xkilldash9x/opforge/cmd"
)

func main() {
	cmd.Execute()
}
