package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"blocksnap/pkg/types"
	"blocksnap/pkg/utils"
)

var (
	accentColor = lipgloss.Color("#50FA7B")
	dangerColor = lipgloss.Color("#FF5555")
	mutedColor  = lipgloss.Color("#6272A4")
	borderColor = lipgloss.Color("#44475A")
	headerColor = lipgloss.Color("#FF79C6")

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(headerColor).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	labelStyle  = lipgloss.NewStyle().Foreground(mutedColor).Width(18)
)

// apiClient talks to a running node's HTTP API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(cmd *cobra.Command) *apiClient {
	base, _ := cmd.Flags().GetString("api")
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	contentType := ""
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.send(ctx, method, path, contentType, reader, out)
}

func (c *apiClient) send(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach node at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	switch dst := out.(type) {
	case nil:
		return nil
	case *[]byte:
		*dst = data
		return nil
	default:
		return json.Unmarshal(data, out)
	}
}

func addAPIFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().String("api", "http://localhost:5000", "node HTTP API address")
}

type verifyResponse struct {
	types.VerifyAnswer
	Source     string `json:"source"`
	ContentURL string `json:"content_url"`
}

func verifyCmd() *cobra.Command {
	var contentID, file string

	cmd := &cobra.Command{
		Use:   "verify [tx_hash]",
		Short: "Verify a transaction, content identifier or file through a node",
		Long: `Verify a transaction hash, or with --cid or --file check a photo's content
identifier against the ledger. A file is hashed by the node into a raw-codec CID.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(cmd)
			switch {
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				var resp contentVerifyResponse
				if err := client.upload(cmd.Context(), "/api/verify/file", filepath.Base(file), data, &resp); err != nil {
					return err
				}
				fmt.Println(renderContentVerification(resp))
				return nil
			case contentID != "":
				var resp contentVerifyResponse
				path := "/api/verify/cid/" + url.PathEscape(contentID)
				if err := client.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
					return err
				}
				fmt.Println(renderContentVerification(resp))
				return nil
			case len(args) == 1:
				var resp verifyResponse
				path := "/api/verify/tx/" + url.PathEscape(args[0])
				if err := client.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
					return err
				}
				fmt.Println(renderVerification(resp))
				return nil
			default:
				return fmt.Errorf("a transaction hash, --cid or --file is required")
			}
		},
	}

	cmd.Flags().StringVar(&contentID, "cid", "", "verify a photo by content identifier")
	cmd.Flags().StringVar(&file, "file", "", "verify a photo file")
	cmd.MarkFlagsMutuallyExclusive("cid", "file")
	addAPIFlag(cmd)
	return cmd
}

type contentVerifyResponse struct {
	ContentID            string `json:"cid"`
	ExistsOnBlockchain   bool   `json:"exists_on_blockchain"`
	ExistsOnContentStore bool   `json:"exists_on_content_store"`
	Owner                string `json:"owner"`
	ContentURL           string `json:"content_url"`
}

// upload posts data as the "file" part of a multipart form.
func (c *apiClient) upload(ctx context.Context, path, name string, data []byte, out any) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.send(ctx, http.MethodPost, path, w.FormDataContentType(), &buf, out)
}

func renderContentVerification(r contentVerifyResponse) string {
	status := lipgloss.NewStyle().Bold(true).Foreground(dangerColor).Render("✗ NOT ON LEDGER")
	if r.ExistsOnBlockchain {
		status = lipgloss.NewStyle().Bold(true).Foreground(accentColor).Render("✓ VERIFIED")
	}

	lines := []string{status, labelStyle.Render("CID") + r.ContentID}
	if r.Owner != "" {
		lines = append(lines, labelStyle.Render("Owner")+r.Owner)
	}
	stored := "no"
	if r.ExistsOnContentStore {
		stored = "yes"
	}
	lines = append(lines, labelStyle.Render("Content stored")+stored)
	if r.ContentURL != "" {
		lines = append(lines, labelStyle.Render("Content URL")+r.ContentURL)
	}

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(borderColor).
		Padding(0, 1).
		Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderVerification(r verifyResponse) string {
	status := lipgloss.NewStyle().Bold(true).Foreground(dangerColor).Render("✗ NOT VERIFIED")
	if r.ExistsOnBlockchain {
		status = lipgloss.NewStyle().Bold(true).Foreground(accentColor).Render("✓ VERIFIED")
	}

	lines := []string{status}
	field := func(label, value string) {
		if value != "" {
			lines = append(lines, labelStyle.Render(label)+value)
		}
	}
	field("Transaction", string(r.TxHash))
	field("Source", r.Source)
	field("Media type", string(r.MediaType))
	field("Owner", r.Owner)
	field("Content", r.ContentID)
	field("Content URL", r.ContentURL)
	field("Token", intString(r.TokenID))
	field("Session", intString(r.SessionID))
	field("Sequence", intString(r.SequenceNumber))
	field("Function", r.Function)
	field("Message", r.Message)

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(borderColor).
		Padding(0, 1).
		Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func mediaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "media",
		Short: "Register and list media facts on a node",
	}
	addAPIFlag(cmd)
	cmd.AddCommand(mediaRegisterCmd(), mediaListCmd())
	return cmd
}

func mediaRegisterCmd() *cobra.Command {
	var (
		rec     types.MediaRecord
		txHash  string
		kind    string
		tokenID int64
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a ledger-confirmed media fact",
		RunE: func(cmd *cobra.Command, args []string) error {
			rec.TxHash = types.TxHash(txHash)
			rec.MediaType = types.MediaType(kind)
			if cmd.Flags().Changed("token-id") {
				rec.TokenID = &tokenID
			}

			var resp struct {
				Status string       `json:"status"`
				TxHash types.TxHash `json:"tx_hash"`
			}
			if err := newAPIClient(cmd).do(cmd.Context(), http.MethodPost, "/api/media", rec, &resp); err != nil {
				return err
			}
			fmt.Printf("%s %s\n", lipgloss.NewStyle().Foreground(accentColor).Render(resp.Status), resp.TxHash)
			return nil
		},
	}

	cmd.Flags().StringVar(&txHash, "tx-hash", "", "transaction hash")
	cmd.Flags().StringVar(&kind, "type", string(types.MediaPhoto), "media type")
	cmd.Flags().StringVar(&rec.Owner, "owner", "", "owner address")
	cmd.Flags().StringVar(&rec.ContentID, "cid", "", "content identifier")
	cmd.Flags().Int64Var(&tokenID, "token-id", 0, "minted token id")
	cmd.MarkFlagRequired("tx-hash")
	return cmd
}

func mediaListCmd() *cobra.Command {
	var kind, owner string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List media facts a node knows",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if kind != "" {
				q.Set("type", kind)
			}
			if owner != "" {
				q.Set("owner", owner)
			}
			path := "/api/media"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var records []*types.MediaRecord
			if err := newAPIClient(cmd).do(cmd.Context(), http.MethodGet, path, nil, &records); err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println(lipgloss.NewStyle().Foreground(mutedColor).Render("No media registered"))
				return nil
			}

			rows := make([][]string, 0, len(records))
			for _, r := range records {
				origin := string(r.RegisteredBy)
				if r.LearnedFrom != "" {
					origin = "via " + string(r.LearnedFrom)
				}
				rows = append(rows, []string{
					shortHash(string(r.TxHash)),
					string(r.MediaType),
					r.Owner,
					r.ContentID,
					origin,
				})
			}
			fmt.Println(renderTable([]string{"TX HASH", "TYPE", "OWNER", "CONTENT", "ORIGIN"}, rows))
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "type", "", "only this media type")
	cmd.Flags().StringVar(&owner, "owner", "", "only this owner")
	return cmd
}

func peersCmd() *cobra.Command {
	var network bool

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Show a node's peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/peers"
			if network {
				path = "/api/network/nodes"
			}

			var nodes []types.NodeRecord
			if err := newAPIClient(cmd).do(cmd.Context(), http.MethodGet, path, nil, &nodes); err != nil {
				return err
			}
			if len(nodes) == 0 {
				fmt.Println(lipgloss.NewStyle().Foreground(mutedColor).Render("No peers known"))
				return nil
			}

			rows := make([][]string, 0, len(nodes))
			for _, n := range nodes {
				lastSeen := "-"
				if !n.LastSeen.IsZero() {
					lastSeen = time.Since(n.LastSeen).Truncate(time.Second).String() + " ago"
				}
				rows = append(rows, []string{
					string(n.NodeID),
					n.Endpoint,
					n.Capabilities.String(),
					lastSeen,
				})
			}
			fmt.Println(renderTable([]string{"NODE ID", "ENDPOINT", "CAPABILITIES", "LAST SEEN"}, rows))
			return nil
		},
	}

	cmd.Flags().BoolVar(&network, "network", false, "list every active node from the peer directory")
	addAPIFlag(cmd)
	return cmd
}

func contentCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "content <cid>",
		Short: "Fetch verified content through a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			path := "/api/content/" + url.PathEscape(args[0])
			if err := newAPIClient(cmd).do(cmd.Context(), http.MethodGet, path, nil, &data); err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err := os.Stdout.Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0644); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Wrote %s to %s\n", utils.FormatDataSize(int64(len(data))), output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	addAPIFlag(cmd)
	return cmd
}

func renderTable(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(borderColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...)
	return t.Render()
}

func shortHash(h string) string {
	if len(h) <= 18 {
		return h
	}
	return h[:10] + "…" + h[len(h)-6:]
}

func intString(v *int64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%d", *v)
}
