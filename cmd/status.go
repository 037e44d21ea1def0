package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

var (
	statusURL = "http://localhost:4338"
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Display bundler status",
		Long:  `Display status information about a running bundler through its HTTP API`,
		Run: func(cmd *cobra.Command, args []string) {
			client := resty.New().SetBaseURL(statusURL).SetTimeout(5 * time.Second)
			if err := printStatus(cmd.OutOrStdout(), client); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "❌ %v\n", err)
				os.Exit(1)
			}
		},
	}
)

type dataResp[T any] struct {
	Data T `json:"data"`
}

type mempoolItem struct {
	Hash   common.Hash `json:"userOpHash"`
	Status string      `json:"status"`
	Op     struct {
		Sender common.Address `json:"sender"`
	} `json:"userOp"`
}

type reputationItem struct {
	Address     common.Address `json:"address"`
	OpsSeen     uint64         `json:"opsSeen"`
	OpsIncluded uint64         `json:"opsIncluded"`
	Status      string         `json:"status"`
}

func printStatus(w io.Writer, client *resty.Client) error {
	fmt.Fprintf(w, "📊 Bundler Status Report\n")
	fmt.Fprintf(w, "========================\n\n")

	up, err := client.R().Get("/up")
	if err != nil {
		return fmt.Errorf("cannot reach bundler: %w", err)
	}
	fmt.Fprintf(w, "Service: %s\n", up.String())

	var ver dataResp[map[string]string]
	if _, err := client.R().SetResult(&ver).Get("/version"); err == nil {
		fmt.Fprintf(w, "Version: %s (%s)\n", ver.Data["version"], ver.Data["commit"])
	}

	var pool dataResp[[]mempoolItem]
	resp, err := client.R().SetResult(&pool).Get("/debug/mempool")
	if err != nil {
		return fmt.Errorf("failed to query mempool: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("failed to query mempool: %s", resp.Status())
	}

	pending := 0
	for _, item := range pool.Data {
		if item.Status == "pending" {
			pending++
		}
	}
	fmt.Fprintf(w, "\n💾 Mempool: %d operations (%d pending, %d bundling)\n", len(pool.Data), pending, len(pool.Data)-pending)
	for i, item := range pool.Data {
		if i >= 10 {
			fmt.Fprintf(w, "   ... and %d more\n", len(pool.Data)-10)
			break
		}
		fmt.Fprintf(w, "   %d. %s sender=%s %s\n", i+1, item.Hash.Hex(), item.Op.Sender.Hex(), item.Status)
	}

	var rep dataResp[[]reputationItem]
	resp, err = client.R().SetResult(&rep).Get("/debug/reputation")
	if err != nil {
		return fmt.Errorf("failed to query reputation: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("failed to query reputation: %s", resp.Status())
	}

	fmt.Fprintf(w, "\n📋 Reputation: %d entities\n", len(rep.Data))
	for _, item := range rep.Data {
		if item.Status == "ok" {
			continue
		}
		fmt.Fprintf(w, "   %s %s seen=%d included=%d\n", item.Address.Hex(), item.Status, item.OpsSeen, item.OpsIncluded)
	}
	return nil
}

func init() {
	statusCmd.Flags().StringVar(&statusURL, "url", statusURL, "bundler HTTP address")
	rootCmd.AddCommand(statusCmd)
}
