package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"sigil/internal/domain"
	"sigil/internal/protocol/wire"
)

// HTTP is the key bundle directory of a relay, reached over HTTP.
type HTTP struct {
	Base string
	HTTP *http.Client
}

// NewHTTP returns a directory client for the relay at base.
func NewHTTP(base string) *HTTP { return &HTTP{Base: base, HTTP: http.DefaultClient} }

func keysPath(addr domain.Address) string {
	return "/v1/keys/" + url.PathEscape(string(addr.User)) + "/" + strconv.FormatUint(uint64(addr.Device), 10)
}

// PublishBundle implements domain.BundleService.
func (c *HTTP) PublishBundle(ctx context.Context, addr domain.Address, req domain.PublishRequest) error {
	return c.do(ctx, http.MethodPut, keysPath(addr), req, nil)
}

// FetchBundle implements domain.BundleService.
func (c *HTTP) FetchBundle(ctx context.Context, addr domain.Address) (domain.PreKeyBundle, error) {
	var out domain.PreKeyBundle
	if err := c.do(ctx, http.MethodGet, keysPath(addr), nil, &out); err != nil {
		return domain.PreKeyBundle{}, err
	}
	return out, nil
}

// FetchBundles implements domain.BundleService.
func (c *HTTP) FetchBundles(ctx context.Context, user domain.UserID) ([]domain.PreKeyBundle, error) {
	var out struct {
		Devices []domain.PreKeyBundle `json:"devices"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/keys/"+url.PathEscape(string(user)), nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

// PreKeyCount implements domain.BundleService.
func (c *HTTP) PreKeyCount(ctx context.Context, addr domain.Address) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, keysPath(addr)+"/count", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// Devices implements domain.BundleService.
func (c *HTTP) Devices(ctx context.Context, user domain.UserID) ([]domain.DeviceID, error) {
	var out struct {
		Devices []domain.DeviceID `json:"devices"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/devices/"+url.PathEscape(string(user)), nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

// RefillPreKeys implements domain.BundleService.
func (c *HTTP) RefillPreKeys(ctx context.Context, addr domain.Address, keys []domain.OneTimePreKeyPublic) (int, error) {
	var out struct {
		Added int `json:"added"`
	}
	in := struct {
		PreKeys []domain.OneTimePreKeyPublic `json:"pre_keys"`
	}{keys}
	if err := c.do(ctx, http.MethodPost, keysPath(addr), in, &out); err != nil {
		return 0, err
	}
	return out.Added, nil
}

// RotateSignedPreKey implements domain.BundleService.
func (c *HTTP) RotateSignedPreKey(ctx context.Context, addr domain.Address, spk domain.SignedPreKeyPublic) error {
	return c.do(ctx, http.MethodPut, keysPath(addr)+"/signed", spk, nil)
}

func (c *HTTP) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return err
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		var e wire.ErrorBody
		if json.NewDecoder(resp.Body).Decode(&e) != nil || e.Error == "" {
			return fmt.Errorf("relay %s %s: %s", method, path, resp.Status)
		}
		return fmt.Errorf("relay %s %s: %w", method, path, e.Err())
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

var _ domain.BundleService = (*HTTP)(nil)
