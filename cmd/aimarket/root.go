package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "aimarket",
	Short: "aimarket is a marketplace core for AI inference tasks",
	Long: `aimarket runs the escrowed marketplace: requesters post inference tasks
with locked funds, providers bid, the lowest eligible bid wins, and results
settle through quality-gated escrow release.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("addr", "http://localhost:8080", "Address of the aimarket server")
}

func serverAddr(cmd *cobra.Command) string {
	addr, _ := cmd.Flags().GetString("addr")
	return addr
}

var apiClient = &http.Client{Timeout: 10 * time.Second}

// apiPost sends a JSON body and prints the JSON reply.
func apiPost(cmd *cobra.Command, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := apiClient.Post(serverAddr(cmd)+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return printResponse(resp)
}

// apiGet fetches a path and prints the JSON reply.
func apiGet(cmd *cobra.Command, path string) error {
	resp, err := apiClient.Get(serverAddr(cmd) + path)
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
