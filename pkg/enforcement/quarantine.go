package enforcement

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const defaultQuarantineAPI = "https://api.tailscale.com/api/v2"

// TagQuarantine removes the device's trusted tag on the overlay network
// control plane during lockdown, so peers stop routing to it.
type TagQuarantine struct {
	baseURL string
	apiKey  string
	nodeID  string
	tags    []string
	client  *http.Client
}

func NewTagQuarantine(baseURL, apiKey, nodeID string, tags []string) *TagQuarantine {
	if baseURL == "" {
		baseURL = defaultQuarantineAPI
	}
	if apiKey == "" {
		apiKey = os.Getenv("WARDEN_QUARANTINE_API_KEY")
	}
	if len(tags) == 0 {
		tags = []string{"tag:trusted-device"}
	}
	return &TagQuarantine{
		baseURL: baseURL,
		apiKey:  apiKey,
		nodeID:  nodeID,
		tags:    tags,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (q *TagQuarantine) Name() string { return "network-tags" }

// Disable strips the trusted tags from the node.
func (q *TagQuarantine) Disable() error {
	return q.setTags([]string{})
}

// Enable restores the trusted tags.
func (q *TagQuarantine) Enable() error {
	return q.setTags(q.tags)
}

func (q *TagQuarantine) setTags(tags []string) error {
	url := fmt.Sprintf("%s/device/%s/tags", q.baseURL, q.nodeID)

	data, err := json.Marshal(map[string][]string{"tags": tags})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+q.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("quarantine API returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
