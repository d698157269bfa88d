package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kpjmd/Kinetix/pkg/canonicalize"
	"github.com/kpjmd/Kinetix/pkg/contracts"
)

// Post is one item returned by a platform's feed endpoint.
type Post struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
	Signature string    `json:"sig,omitempty"`
}

// HTTPFetcher reads an agent's posts from a JSON feed endpoint.
//
// FeedURL receives the escaped handle through a single %s verb. When
// PostURL is set (also one %s, for the post ID) evidence carries an
// action_url; otherwise the post ID becomes the event_id, as for
// relay-style platforms.
type HTTPFetcher struct {
	PlatformName string
	FeedURL      string
	PostURL      string
	Client       *http.Client
	Token        string
}

func (f *HTTPFetcher) Platform() string { return f.PlatformName }

func (f *HTTPFetcher) Fetch(ctx context.Context, q Query) ([]contracts.Evidence, error) {
	endpoint := fmt.Sprintf(f.FeedURL, url.PathEscape(q.Handle))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s feed: %w", f.PlatformName, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s feed returned %d: %s", f.PlatformName, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var posts []Post
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&posts); err != nil {
		return nil, fmt.Errorf("decode %s feed: %w", f.PlatformName, err)
	}

	out := make([]contracts.Evidence, 0, len(posts))
	for _, p := range posts {
		if p.ID == "" || p.CreatedAt.Before(q.Since) {
			continue
		}
		if p.Author != "" && !strings.EqualFold(strings.TrimPrefix(p.Author, "0x"), strings.TrimPrefix(q.Handle, "0x")) {
			continue
		}
		out = append(out, f.toEvidence(p, q))
	}
	return out, nil
}

func (f *HTTPFetcher) toEvidence(p Post, q Query) contracts.Evidence {
	ev := contracts.Evidence{
		Platform:           q.Platform,
		Timestamp:          p.CreatedAt.UTC(),
		ActionType:         q.ActionType,
		ContentHash:        canonicalize.PrefixedHash([]byte(p.Content)),
		ContentLength:      len([]rune(p.Content)),
		ContentTags:        p.Tags,
		ContentText:        p.Content,
		Signature:          p.Signature,
		VerificationMethod: "api_confirmed",
	}
	if f.PostURL != "" {
		ev.ActionURL = fmt.Sprintf(f.PostURL, url.PathEscape(p.ID))
	} else {
		ev.EventID = p.ID
	}
	return ev
}
