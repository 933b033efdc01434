package intake

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
)

// Follow reads an /actions stream and sends every key it carries to keys,
// in order. Line breaks separate actions and are not keys. It returns nil
// when the server ends the stream.
func Follow(ctx context.Context, client *http.Client, url string, keys chan<- rune) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build stream request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to open action stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("action stream refused: %s", resp.Status)
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		for _, k := range sc.Text() {
			select {
			case keys <- k:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("action stream broken: %w", err)
	}
	return ctx.Err()
}
