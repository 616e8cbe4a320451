package purge

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Servarr/ServarrAPI.Update/internal/adapters/upstream"
)

// Webhook posts the changed branches to a URL as {"branches": [...]}.
type Webhook struct {
	name   string
	url    string
	header http.Header
	client *upstream.Client
}

// NewWebhook creates a webhook trigger. header is sent with every call and
// may be nil.
func NewWebhook(name, url string, header http.Header, client *upstream.Client) *Webhook {
	if name == "" {
		name = "webhook"
	}
	return &Webhook{name: name, url: url, header: header, client: client}
}

func (w *Webhook) Name() string {
	return w.name
}

func (w *Webhook) Fire(ctx context.Context, branches []string) error {
	body := struct {
		Branches []string `json:"branches"`
	}{Branches: branches}
	if err := w.client.PostJSONOnce(ctx, w.url, w.header, body, nil); err != nil {
		return fmt.Errorf("notifying %s: %w", w.name, err)
	}
	return nil
}
