package tapis

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"

	"github.com/providentiaww/ptdatax-ingest/internal/errs"
)

// System is a storage system visible to the user.
type System struct {
	ID          string `json:"id"`
	Host        string `json:"host"`
	SystemType  string `json:"systemType"`
	Description string `json:"description"`
	Created     string `json:"created"`
	Updated     string `json:"updated"`
}

// File is one entry of a directory listing.
type File struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	Type         string `json:"type"`
	Size         int64  `json:"size"`
	LastModified string `json:"lastModified"`
}

// IsDir reports whether the entry is a directory.
func (f File) IsDir() bool { return f.Type == "dir" }

const systemsLimit = 1000

// ListSystems returns systems whose id starts with prefix.
func (c *Client) ListSystems(ctx context.Context, ep Endpoint, tok *oauth2.Token, prefix string) ([]System, error) {
	const op = "tapis.ListSystems"
	q := url.Values{
		"search": {"id.like." + prefix + "*"},
		"limit":  {strconv.Itoa(systemsLimit)},
		"select": {"id,host,systemType,description,created,updated"},
	}
	var out []System
	if err := c.getJSON(ctx, op, ep, tok, ep.URL("v3/systems")+"?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListFiles lists the entries of a directory on a system.
func (c *Client) ListFiles(ctx context.Context, ep Endpoint, tok *oauth2.Token, systemID, path string) ([]File, error) {
	const op = "tapis.ListFiles"
	if systemID == "" {
		return nil, errs.Validation(op, "system id is required")
	}
	u := ep.URL("v3/files/ops/" + url.PathEscape(systemID) + "/")
	if p := escapePath(path); p != "" {
		u += p + "/"
	}
	var out []File
	if err := c.getJSON(ctx, op, ep, tok, u, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Download streams a file's content into w and returns the byte count.
func (c *Client) Download(ctx context.Context, ep Endpoint, tok *oauth2.Token, systemID, path string, w io.Writer) (int64, error) {
	const op = "tapis.Download"
	req, err := c.newRequest(ctx, ep, tok, ep.URL("v3/files/content/"+url.PathEscape(systemID)+"/"+escapePath(path)))
	if err != nil {
		return 0, errs.E(errs.KindValidation, op, err)
	}
	resp, err := c.do(ctx, op, req)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode >= 300 {
		return 0, classify(op, resp)
	}
	defer resp.Body.Close()
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, errs.E(errs.KindTransientRemote, op, err)
	}
	return n, nil
}

func (c *Client) newRequest(ctx context.Context, ep Endpoint, tok *oauth2.Token, u string) (*retryablehttp.Request, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(TenantHeader, ep.TenantID)
	if tok != nil {
		tok.SetAuthHeader(req.Request)
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, op string, ep Endpoint, tok *oauth2.Token, u string, dest any) error {
	if tok == nil || tok.AccessToken == "" {
		return errs.Auth(op, "no access token")
	}
	req, err := c.newRequest(ctx, ep, tok, u)
	if err != nil {
		return errs.E(errs.KindValidation, op, err)
	}
	resp, err := c.do(ctx, op, req)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return classify(op, resp)
	}
	return decodeResult(op, resp, dest)
}
