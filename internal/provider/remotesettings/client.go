// Package remotesettings implements the Remote-Settings-backed suggestion
// leaf: an upstream client, a keyword index rebuilt on every sync, and the
// full-keyword expansion algorithm that mirrors the browser's client-side
// behaviour.
package remotesettings

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// SuggestionRecord is one sponsored/organic suggestion as stored upstream,
// attached to the keywords that should surface it.
type SuggestionRecord struct {
	ID            int64    `json:"id"`
	Keywords      []string `json:"keywords"`
	Title         string   `json:"title"`
	URL           string   `json:"url"`
	IconURL       string   `json:"icon_url,omitempty"`
	BlockID       int64    `json:"block_id"`
	Advertiser    string   `json:"advertiser"`
	IsSponsored   bool     `json:"is_sponsored"`
	ImpressionURL *string  `json:"impression_url"`
	ClickURL      *string  `json:"click_url"`
	Score         float64  `json:"score"`
}

// Attachment points at an externally-stored payload: a JSON array of
// SuggestionRecord served over HTTP.
type Attachment struct {
	Location string `json:"location"`
	Hash     string `json:"hash,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
}

// collectionRecord is one entry of the upstream collection. Suggestions are
// carried inline, via an attachment, or both.
type collectionRecord struct {
	ID           string             `json:"id"`
	LastModified int64              `json:"last_modified"`
	Suggestions  []SuggestionRecord `json:"suggestions,omitempty"`
	Attachment   *Attachment        `json:"attachment,omitempty"`
}

type recordsEnvelope struct {
	Data []collectionRecord `json:"data"`
}

// ClientConfig locates the upstream collection. Signature verification is the
// upstream service's concern; this client trusts the transport.
type ClientConfig struct {
	// Server is the Remote Settings base URL, e.g.
	// "https://firefox.settings.services.mozilla.com/v1".
	Server string
	// Bucket and Collection select the record set.
	Bucket     string
	Collection string
	// AttachmentBase resolves relative attachment locations. Defaults to
	// Server when empty.
	AttachmentBase string
	// Timeout bounds each upstream HTTP call. Default: 30s.
	Timeout time.Duration
}

// Client fetches suggestion records (and their attachments) from a Remote
// Settings collection.
type Client struct {
	cfg  ClientConfig
	http *resty.Client
}

// NewClient creates a Client for the given collection.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.AttachmentBase == "" {
		cfg.AttachmentBase = cfg.Server
	}

	httpc := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond)

	return &Client{cfg: cfg, http: httpc}
}

// FetchAll downloads the collection's records, resolves attachments, and
// returns the merged suggestion record set.
func (c *Client) FetchAll(ctx context.Context) ([]SuggestionRecord, error) {
	url := fmt.Sprintf("%s/buckets/%s/collections/%s/records",
		strings.TrimSuffix(c.cfg.Server, "/"), c.cfg.Bucket, c.cfg.Collection)

	var envelope recordsEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&envelope).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("remotesettings: fetch records: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("remotesettings: fetch records: upstream status %d", resp.StatusCode())
	}

	var out []SuggestionRecord
	for _, rec := range envelope.Data {
		out = append(out, rec.Suggestions...)

		if rec.Attachment == nil {
			continue
		}
		attached, err := c.fetchAttachment(ctx, rec.Attachment.Location)
		if err != nil {
			return nil, fmt.Errorf("remotesettings: record %s: %w", rec.ID, err)
		}
		out = append(out, attached...)
	}

	return out, nil
}

// fetchAttachment downloads and parses one attachment body: a JSON array of
// SuggestionRecord.
func (c *Client) fetchAttachment(ctx context.Context, location string) ([]SuggestionRecord, error) {
	url := location
	if !strings.HasPrefix(location, "http://") && !strings.HasPrefix(location, "https://") {
		url = strings.TrimSuffix(c.cfg.AttachmentBase, "/") + "/" + strings.TrimPrefix(location, "/")
	}

	var records []SuggestionRecord
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&records).
		ForceContentType("application/json").
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch attachment: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch attachment: upstream status %d", resp.StatusCode())
	}

	return records, nil
}
