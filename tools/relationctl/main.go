// relationctl manages follow/block relationships with tracked authors in
// bulk, against the same platform endpoints the tracker polls.
//
// Usage:
//
//	relationctl follow 42 1337
//	relationctl unfollow -f ids.txt
//	relationctl block 99
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	baseURL  string
	ticket   string
	clientID string
	idsFile  string
	delayMs  int
	dryRun   bool
)

func main() {
	root := &cobra.Command{
		Use:           "relationctl",
		Short:         "Bulk follow/unfollow/block for tracked authors",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&baseURL, "base-url", envOr("PLATFORM_BASE_URL", "https://example-platform.invalid"), "Platform base URL")
	root.PersistentFlags().StringVar(&ticket, "ticket", os.Getenv("PLATFORM_TICKET"), "Signed credential ticket")
	root.PersistentFlags().StringVar(&clientID, "client-id", os.Getenv("CLIENT_ID"), "Client identity header value")
	root.PersistentFlags().StringVarP(&idsFile, "file", "f", "", "Read author ids from file, one per line")
	root.PersistentFlags().IntVar(&delayMs, "delay-ms", 1000, "Delay between requests (ms)")
	root.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Print what would be done without sending requests")

	for _, action := range []string{"follow", "unfollow", "block"} {
		action := action
		root.AddCommand(&cobra.Command{
			Use:   action + " [author-id...]",
			Short: strings.ToUpper(action[:1]) + action[1:] + " the given authors",
			RunE: func(cmd *cobra.Command, args []string) error {
				ids, err := collectIDs(args)
				if err != nil {
					return err
				}
				if len(ids) == 0 {
					return fmt.Errorf("no author ids given (args or --file)")
				}
				return apply(action, ids)
			},
		})
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func collectIDs(args []string) ([]uint64, error) {
	var raw []string
	raw = append(raw, args...)
	if idsFile != "" {
		f, err := os.Open(idsFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			if s := strings.TrimSpace(sc.Text()); s != "" && !strings.HasPrefix(s, "#") {
				raw = append(raw, s)
			}
		}
		if err := sc.Err(); err != nil {
			return nil, err
		}
	}
	out := make([]uint64, 0, len(raw))
	for _, s := range raw {
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad author id %q", s)
		}
		out = append(out, id)
	}
	return out, nil
}

func apply(action string, ids []uint64) error {
	client := &http.Client{Timeout: 20 * time.Second}
	var failed int
	for i, id := range ids {
		if dryRun {
			fmt.Printf("%s author=%d (dry run)\n", action, id)
			continue
		}
		if i > 0 {
			time.Sleep(time.Duration(delayMs) * time.Millisecond)
		}
		if err := post(client, action, id); err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "%s author=%d: %v\n", action, id, err)
			continue
		}
		fmt.Printf("%s author=%d ok\n", action, id)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d requests failed", failed, len(ids))
	}
	return nil
}

func post(client *http.Client, action string, authorID uint64) error {
	body, _ := json.Marshal(map[string]any{"author_id": authorID})
	req, err := http.NewRequest(http.MethodPost,
		strings.TrimRight(baseURL, "/")+"/api/relation/"+action, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if clientID != "" {
		req.Header.Set("X-Client-Id", clientID)
	}
	if ticket != "" {
		req.Header.Set("X-Ticket", ticket)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	var envl struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envl); err != nil {
		return err
	}
	if envl.Code != 0 {
		return fmt.Errorf("platform code %d: %s", envl.Code, envl.Message)
	}
	return nil
}
