package cmd

import (
	"encoding/hex"
	"fmt"
	"log"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/transaction"
)

// addressCmd represents the address command.
var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "Print the public key boxes are locked to",
	Run: func(cmd *cobra.Command, args []string) {
		privateKey, err := crypto.LoadECDSA(getPrivateKeyPath())
		if err != nil {
			log.Fatal(err)
		}

		fmt.Println(hex.EncodeToString(transaction.PublicKeyBytes(privateKey)))
	},
}

func init() {
	rootCmd.AddCommand(addressCmd)
}
