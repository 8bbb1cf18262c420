package nexus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

// maxFileSize limits downloaded and uploaded attachments.
const maxFileSize = 1 << 30

// Distribution is one attachment entry of a resource.
type Distribution struct {
	Name           string
	EncodingFormat string
	ContentURL     string
}

// Distributions lists the attachments of a resource.
func (r Resource) Distributions() []Distribution {
	var out []Distribution
	for _, d := range Objects(r["distribution"]) {
		dist := Distribution{}
		dist.Name, _ = d["name"].(string)
		dist.EncodingFormat, _ = d["encodingFormat"].(string)
		dist.ContentURL, _ = d["contentUrl"].(string)
		if dist.ContentURL == "" {
			if cu, ok := d["contentUrl"].(map[string]any); ok {
				dist.ContentURL, _ = cu["@id"].(string)
			}
		}
		if dist.ContentURL != "" {
			out = append(out, dist)
		}
	}
	return out
}

// Download streams the file at contentURL into w.
func (c *Client) Download(ctx context.Context, contentURL string, w io.Writer) error {
	body, err := c.do(ctx, request{op: "download", id: contentURL, method: http.MethodGet, url: contentURL, accept: "*/*", limit: maxFileSize})
	if err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write download: %w", err)
	}
	return nil
}

// Upload stores a file in the bucket and returns the file resource.
func (c *Client) Upload(ctx context.Context, name, contentType string, r io.Reader) (Resource, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxFileSize))
	if err != nil {
		return nil, fmt.Errorf("read upload %s: %w", name, err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("create upload part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("write upload part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close upload body: %w", err)
	}

	u := strings.Join([]string{c.baseURL, "files", url.PathEscape(c.bucket.Org), url.PathEscape(c.bucket.Project)}, "/")
	body, err := c.do(ctx, request{op: "upload", id: name, method: http.MethodPost, url: u, body: buf.Bytes(), contentType: mw.FormDataContentType()})
	if err != nil {
		return nil, err
	}
	var res Resource
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return res, nil
}
