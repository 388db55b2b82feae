package main

import "github.com/andresmejia3/facetrace/cmd"

func main() {
	cmd.Execute()
}
