package main

import "github.com/zhubert/olla/cmd"

func main() {
	cmd.Execute()
}
