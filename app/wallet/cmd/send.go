package cmd

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/boxes"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/signature"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/transaction"
)

var (
	url    string
	spend  string
	to     string
	amount uint64
	fee    uint64
	nonce  uint64
)

// sendCmd represents the send command.
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Spend a box into a new asset box",
	Run: func(cmd *cobra.Command, args []string) {
		privateKey, err := crypto.LoadECDSA(getPrivateKeyPath())
		if err != nil {
			log.Fatal(err)
		}

		rawBoxID, err := hex.DecodeString(spend)
		if err != nil || len(rawBoxID) != signature.HashSize {
			log.Fatal("malformed box id to spend")
		}

		recipient, err := hex.DecodeString(to)
		if err != nil {
			log.Fatal("malformed recipient public key")
		}

		var unlocker transaction.Unlocker
		copy(unlocker.BoxID[:], rawBoxID)

		outputs := []boxes.Box{
			boxes.AssetBox{
				Proposition: recipient,
				Nonce:       nonce,
				Value:       amount,
			},
		}
		if fee > 0 {
			outputs = append(outputs, boxes.OpenBox{
				Nonce: nonce + 1,
				Value: fee,
			})
		}

		tx, err := transaction.New(privateKey, []transaction.Unlocker{unlocker}, outputs, time.Now().UTC().UnixMilli())
		if err != nil {
			log.Fatal(err)
		}

		payload := struct {
			Unlockers []map[string]string `json:"unlockers"`
			Outputs   []map[string]any    `json:"outputs"`
			Timestamp int64               `json:"timestamp"`
			PublicKey string              `json:"public_key"`
			Signature string              `json:"signature"`
		}{
			Timestamp: tx.Timestamp,
			PublicKey: hex.EncodeToString(tx.PublicKey),
			Signature: hex.EncodeToString(tx.Signature),
		}
		for _, u := range tx.Unlockers {
			payload.Unlockers = append(payload.Unlockers, map[string]string{
				"box_id": hex.EncodeToString(u.BoxID[:]),
				"proof":  hex.EncodeToString(u.Proof),
			})
		}
		for _, o := range tx.Outputs {
			payload.Outputs = append(payload.Outputs, map[string]any{
				"type": byte(o.Type),
				"raw":  hex.EncodeToString(o.Raw),
			})
		}

		data, err := json.Marshal(payload)
		if err != nil {
			log.Fatal(err)
		}

		resp, err := http.Post(fmt.Sprintf("%s/v1/tx/add", url), "application/json", bytes.NewBuffer(data))
		if err != nil {
			log.Fatal(err)
		}
		defer resp.Body.Close()

		fmt.Println("status:", resp.Status)
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVarP(&url, "url", "u", "http://localhost:8080", "Url of the node.")
	sendCmd.Flags().StringVarP(&spend, "spend", "s", "", "Hex id of the box to spend.")
	sendCmd.MarkFlagRequired("spend")
	sendCmd.Flags().StringVarP(&to, "to", "t", "", "Recipient public key in hex.")
	sendCmd.MarkFlagRequired("to")
	sendCmd.Flags().Uint64VarP(&amount, "amount", "a", 0, "Amount to send.")
	sendCmd.Flags().Uint64VarP(&fee, "fee", "f", 0, "Open box amount left for the miner.")
	sendCmd.Flags().Uint64VarP(&nonce, "nonce", "n", 0, "Nonce for the produced boxes.")
}
