package main

import "github.com/ValentinKolb/dSMR/cmd"

func main() {
	cmd.Execute()
}
