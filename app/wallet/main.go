package main

import "github.com/rajeshkarthik/EncryCore/app/wallet/cmd"

func main() {
	cmd.Execute()
}
