package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/meshtalk/callkit/internal/helpers"
)

// RelayKeyring resolves recipient public keys from the call server's
// key directory.
type RelayKeyring struct {
	baseURL   string
	authToken string
	http      *http.Client
}

func NewRelayKeyring(baseURL, authToken string) *RelayKeyring {
	return &RelayKeyring{
		baseURL:   baseURL,
		authToken: authToken,
		http:      &http.Client{Timeout: requestTimeout},
	}
}

// RecipientKeys fetches the X25519 public keys for the given room
// members, or for every other member when uids is nil.
func (k *RelayKeyring) RecipientKeys(ctx context.Context, roomID string, uids []string) (map[string][]byte, error) {
	url := k.baseURL + "/v1/call/" + roomID + "/keys"
	if len(uids) > 0 {
		url += "?uids=" + strings.Join(uids, ",")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if k.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+k.authToken)
	}

	resp, err := k.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch keys: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch keys: unexpected status %d", resp.StatusCode)
	}

	var encoded map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&encoded); err != nil {
		return nil, fmt.Errorf("decode keys: %w", err)
	}

	out := make(map[string][]byte, len(encoded))
	for uid, hexKey := range encoded {
		key, err := helpers.DecodeHex(hexKey)
		if err != nil {
			return nil, fmt.Errorf("decode key for %s: %w", uid, err)
		}
		out[uid] = key
	}
	return out, nil
}

// RegisterKey publishes this device's public key to the directory.
func (k *RelayKeyring) RegisterKey(ctx context.Context, publicKey []byte) error {
	body, err := json.Marshal(map[string]string{
		"publicKey": helpers.EncodeToHex(publicKey),
	})
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.baseURL+"/v1/keys", strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if k.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+k.authToken)
	}

	resp, err := k.http.Do(req)
	if err != nil {
		return fmt.Errorf("register key: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("register key: unexpected status %d", resp.StatusCode)
	}
	return nil
}
