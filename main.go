package main

import "github.com/ValentinKolb/dSock/cmd"

func main() {
	cmd.Execute()
}
