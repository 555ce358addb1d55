package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/vaultchat/internal/chat"
	"github.com/kalambet/vaultchat/internal/composer"
	"github.com/kalambet/vaultchat/internal/config"
	"github.com/kalambet/vaultchat/internal/storage"
)

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Talk to the assistant",
	Long: `Send one message, or start an interactive session when no message is given.

Prefix a message with [[no-memory]] to answer without consulting memories.

Examples:
  vaultchat chat "what did I say about my trip to Lisbon?"
  vaultchat chat --session travel`,
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if len(args) > 0 {
			resp, err := sendTurn(cmd.Context(), client, session, strings.Join(args, " "))
			if err != nil {
				return err
			}
			renderTurn(os.Stdout, resp)
			return nil
		}
		return chatLoop(cmd.Context(), client, session, os.Stdin, os.Stdout)
	},
}

func init() {
	chatCmd.Flags().String("session", "cli", "conversation session ID")
}

func sendTurn(ctx context.Context, client *apiClient, session, message string) (chat.Response, error) {
	var out chat.Response
	path := "/v1/chat/sessions/" + url.PathEscape(session) + "/turns"
	resp, err := client.post(ctx, path, map[string]string{"message": message})
	if err != nil {
		return out, err
	}
	err = decodeJSON(resp, &out)
	return out, err
}

// chatLoop reads one message per line until EOF or /quit.
func chatLoop(ctx context.Context, client *apiClient, session string, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, colorize(colorCyan, "you> "))
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		resp, err := sendTurn(ctx, client, session, line)
		if err != nil {
			printError("%v", err)
			continue
		}
		renderTurn(out, resp)
	}
}

func renderTurn(w io.Writer, resp chat.Response) {
	switch {
	case resp.PaymentRequired:
		fmt.Fprintln(w, colorize(colorYellow, resp.Answer))
		fmt.Fprintln(w, colorize(colorDim, "  run `vaultchat payment pending` to see the challenge"))
		return
	case resp.IsError:
		fmt.Fprintln(w, colorize(colorRed, resp.Answer))
		return
	}

	fmt.Fprintln(w, resp.Answer)
	for i, m := range resp.RetrievedMemories {
		fmt.Fprintf(w, "%s\n", colorize(colorDim, fmt.Sprintf("  [%d] %s", i+1, m)))
	}
	if resp.NeedsDecryption {
		fmt.Fprintln(w, colorize(colorYellow, fmt.Sprintf("  %d relevant memories stayed locked; connect your wallet to use them",
			len(resp.EncryptedMemoryIDs))))
	}
	if resp.RewardedAmount > 0 {
		fmt.Fprintln(w, colorize(colorGreen, fmt.Sprintf("  +%d", resp.RewardedAmount)))
	}
}

// --- memory ---

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Manage encrypted memories",
}

var memoryAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Encrypt and store a memory",
	Long: `Encrypt and store a memory under the connected wallet.

Examples:
  vaultchat memory add --text "I'm allergic to peanuts"
  vaultchat memory add --url https://example.com/my-post
  vaultchat memory add --file ./journal.pdf`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		link, _ := cmd.Flags().GetString("url")
		file, _ := cmd.Flags().GetString("file")

		req, err := memoryRequest(text, link, file)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/memories", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Stored memory %s", result["id"])
		return nil
	},
}

// memoryRequest builds the /memories body. PDF files travel base64-encoded;
// any other file is sent as text.
func memoryRequest(text, link, file string) (map[string]any, error) {
	meta := map[string]string{"source": "cli"}
	switch {
	case text != "":
		return map[string]any{"kind": "text", "text": text, "metadata": meta}, nil
	case link != "":
		return map[string]any{"kind": "url", "url": link, "metadata": meta}, nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading file: %w", err)
		}
		meta["file"] = filepath.Base(file)
		if strings.EqualFold(filepath.Ext(file), ".pdf") {
			return map[string]any{"kind": "pdf", "data": base64.StdEncoding.EncodeToString(data), "metadata": meta}, nil
		}
		return map[string]any{"kind": "text", "text": string(data), "metadata": meta}, nil
	}
	return nil, errors.New("one of --text, --url, or --file is required")
}

var memoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored memories (metadata only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/memories?limit=%d", limit))
		if err != nil {
			return err
		}

		var recs []storage.MemoryRecord
		if err := decodeJSON(resp, &recs); err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No memories stored.")
			return nil
		}
		for _, r := range recs {
			label := r.Metadata["file"]
			if label == "" {
				label = r.Metadata["url"]
			}
			if label == "" {
				label = r.Metadata["kind"]
			}
			fmt.Printf("%s  %s  %s\n",
				colorize(colorCyan, r.ID),
				r.CreatedAt.Local().Format("2006-01-02 15:04"),
				composer.Truncate(label, 60),
			)
		}
		fmt.Fprintf(diagOut, "%s memories\n", countLabel(len(recs), limit))
		return nil
	},
}

var memoryRemoveCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/memories/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted memory %s", args[0])
		return nil
	},
}

var memoryPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every stored memory",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL memories. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		failures, err := purgeEndpoint(cmd.Context(), client, "/memories")
		if err != nil {
			return err
		}
		if failures > 0 {
			return fmt.Errorf("%d memories could not be deleted", failures)
		}
		printSuccess("All memories purged")
		return nil
	},
}

// purgeEndpoint lists path in pages and deletes every item until the list
// comes back empty or a page yields only failures.
func purgeEndpoint(ctx context.Context, client *apiClient, path string) (int, error) {
	failures := 0
	failed := make(map[string]bool)
	for {
		resp, err := client.get(ctx, path+"?limit=100")
		if err != nil {
			return failures, err
		}
		var items []struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &items); err != nil {
			return failures, err
		}

		progressed := false
		for _, it := range items {
			if failed[it.ID] {
				continue
			}
			resp, err := client.delete(ctx, path+"/"+url.PathEscape(it.ID))
			if err == nil {
				var ignored map[string]string
				err = decodeJSON(resp, &ignored)
			}
			if err != nil {
				printError("Failed to delete %s: %v", it.ID, err)
				failed[it.ID] = true
				failures++
				continue
			}
			progressed = true
		}
		if !progressed {
			return failures, nil
		}
	}
}

func init() {
	memoryAddCmd.Flags().String("text", "", "text to remember")
	memoryAddCmd.Flags().String("url", "", "web page to fetch and remember")
	memoryAddCmd.Flags().String("file", "", "text or PDF file to remember")
	memoryListCmd.Flags().Int("limit", 50, "maximum number of memories to list")
	memoryPurgeCmd.Flags().Bool("confirm", false, "confirm deletion")

	memoryCmd.AddCommand(memoryAddCmd)
	memoryCmd.AddCommand(memoryListCmd)
	memoryCmd.AddCommand(memoryRemoveCmd)
	memoryCmd.AddCommand(memoryPurgeCmd)
}

// --- persona ---

var personaCmd = &cobra.Command{
	Use:   "persona",
	Short: "Show or edit your persona",
}

var personaShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the persona as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/persona")
		if err != nil {
			return err
		}
		var persona any
		if err := decodeJSON(resp, &persona); err != nil {
			return err
		}
		return printJSON(os.Stdout, persona)
	},
}

var personaSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a persona field (e.g. communication.tone direct)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.patch(cmd.Context(), "/persona", map[string]any{key: value})
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var personaOnboardCmd = &cobra.Command{
	Use:   "onboard <question> <answer>",
	Short: "Record an onboarding answer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/persona/onboarding", map[string]string{
			"question": args[0],
			"answer":   args[1],
		})
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Recorded answer to %q", args[0])
		return nil
	},
}

func init() {
	personaCmd.AddCommand(personaShowCmd)
	personaCmd.AddCommand(personaSetCmd)
	personaCmd.AddCommand(personaOnboardCmd)
}

// --- wallet ---

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Connect or disconnect the wallet that unlocks memories",
}

var walletConnectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Unlock memories with a wallet key",
	Long: `Unlock memories with a wallet key.

The hex master key is read from VAULTCHAT_MASTER_KEY, or from the first
line of stdin when the variable is unset.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		address, _ := cmd.Flags().GetString("address")
		if address == "" {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			address = cfg.Session.WalletAddress
		}
		if address == "" {
			return errors.New("--address is required (or set session.wallet_address)")
		}

		key, err := readMasterKey(os.Stdin)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/wallet/connect", map[string]string{
			"wallet_address": address,
			"master_key":     key,
		})
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Wallet %s connected", address)
		return nil
	},
}

func readMasterKey(stdin io.Reader) (string, error) {
	if key := strings.TrimSpace(os.Getenv("VAULTCHAT_MASTER_KEY")); key != "" {
		return key, nil
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading master key: %w", err)
	}
	key := strings.TrimSpace(line)
	if key == "" {
		return "", errors.New("master key is required (VAULTCHAT_MASTER_KEY or stdin)")
	}
	return key, nil
}

var walletDisconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Lock memories and clear decrypted plaintext from memory",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/wallet/disconnect", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Wallet disconnected")
		return nil
	},
}

var walletStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the connected wallet",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/wallet")
		if err != nil {
			return err
		}
		var st struct {
			Connected     bool   `json:"connected"`
			WalletAddress string `json:"wallet_address"`
		}
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		if st.Connected {
			printStatus("Wallet", "%s", st.WalletAddress)
		} else {
			printStatus("Wallet", "not connected")
		}
		return nil
	},
}

func init() {
	walletConnectCmd.Flags().String("address", "", "wallet address (default: session.wallet_address)")
	walletCmd.AddCommand(walletConnectCmd)
	walletCmd.AddCommand(walletDisconnectCmd)
	walletCmd.AddCommand(walletStatusCmd)
}

// --- payment ---

var paymentCmd = &cobra.Command{
	Use:   "payment",
	Short: "Inspect payment challenges from the generation backend",
}

var paymentPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Print the pending payment challenge",
	RunE: func(cmd *cobra.Command, args []string) error {
		peek, _ := cmd.Flags().GetBool("peek")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/v1/payments/challenge"
		if peek {
			path += "?peek=true"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var challenge any
		if err := decodeJSON(resp, &challenge); errors.Is(err, errNoContent) {
			fmt.Println("No pending payment.")
			return nil
		} else if err != nil {
			return err
		}
		return printJSON(os.Stdout, challenge)
	},
}

func init() {
	paymentPendingCmd.Flags().Bool("peek", false, "leave the challenge pending")
	paymentCmd.AddCommand(paymentPendingCmd)
}

// --- rewards ---

var rewardsCmd = &cobra.Command{
	Use:   "rewards",
	Short: "Show the reward balance and recent entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/rewards/balance")
		if err != nil {
			return err
		}
		var bal struct {
			WalletAddress string `json:"wallet_address"`
			Balance       int    `json:"balance"`
		}
		if err := decodeJSON(resp, &bal); err != nil {
			return err
		}
		printStatus("Balance", "%d", bal.Balance)

		resp, err = client.get(cmd.Context(), fmt.Sprintf("/rewards?limit=%d", limit))
		if err != nil {
			return err
		}
		var entries []storage.Reward
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s  %-16s %+d\n", e.Day, e.Kind, e.Amount)
		}
		return nil
	},
}

func init() {
	rewardsCmd.Flags().Int("limit", 20, "number of ledger entries to show")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Restore a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
