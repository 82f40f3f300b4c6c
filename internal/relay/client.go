package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
)

// Client is a KeyServer reached over HTTP.
type Client struct {
	Base string
	HTTP *http.Client
}

// Compile-time assertion.
var _ domain.KeyServer = (*Client)(nil)

// NewClient returns a client for the server at base.
func NewClient(base string) *Client {
	return &Client{Base: strings.TrimRight(base, "/"), HTTP: http.DefaultClient}
}

func (c *Client) UploadKeys(ctx context.Context, upload *domain.KeysUpload) (*domain.KeysUploadResponse, error) {
	var out domain.KeysUploadResponse
	if err := c.post(ctx, pathUpload, upload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ClaimOneTimeKey(ctx context.Context, user id.UserID, device id.DeviceID) (*domain.KeyBundle, error) {
	var out domain.KeyBundle
	if err := c.post(ctx, pathClaim, claimRequest{UserID: user, DeviceID: device}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) QueryDevices(ctx context.Context, users []id.UserID) (*domain.KeysQueryResponse, error) {
	var out domain.KeysQueryResponse
	if err := c.post(ctx, pathQuery, queryRequest{Users: users}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UploadCrossSigningKeys(ctx context.Context, upload *domain.CrossSigningUpload) error {
	return c.post(ctx, pathCrossSigning, upload, nil)
}

func (c *Client) UploadSignatures(ctx context.Context, upload *domain.SignatureUpload) error {
	return c.post(ctx, pathSignaturesUpload, upload, nil)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(in); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return decodeError(path, resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// decodeError maps an error body back onto the domain sentinels.
func decodeError(path string, resp *http.Response) error {
	var body errorBody
	_ = json.NewDecoder(resp.Body).Decode(&body)
	base := fmt.Errorf("relay post %s: %s: %s", path, resp.Status, body.Error)
	switch body.ErrCode {
	case codeNotFound:
		return fmt.Errorf("%w: %v", domain.ErrUnknownDevice, base)
	case codeNoOneTimeKey:
		return fmt.Errorf("%w: %v", domain.ErrNoOneTimeKeyOnline, base)
	case codeInvalidParam, codeBadJSON:
		return fmt.Errorf("%w: %v", domain.ErrProtocolViolation, base)
	}
	return base
}
