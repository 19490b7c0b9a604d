// Package resolver fetches payloads and thumbnails from identity hosts and
// decides, per request, between a cached result, a direct URL and an
// authenticated download.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ssd-technologies/nocturne-media/internal/blob"
	"github.com/ssd-technologies/nocturne-media/internal/crypto"
	"github.com/ssd-technologies/nocturne-media/internal/media"
	"github.com/ssd-technologies/nocturne-media/internal/ratelimit"
)

// Request and response header names used by identity hosts.
const (
	HeaderFileSystemType   = "X-ODIN-FILE-SYSTEM-TYPE"
	HeaderAuthToken        = "bx0900"
	HeaderContentType      = "decryptedcontenttype"
	HeaderPayloadEncrypted = "payloadencrypted"
	HeaderKeyHeader        = "sharedsecretencryptedheader64"
)

// Kind selects the file endpoint.
type Kind string

const (
	KindHeader  Kind = "header"
	KindThumb   Kind = "thumb"
	KindPayload Kind = "payload"
)

// Credentials authenticate the caller against its own identity host.
type Credentials struct {
	Identity     media.Identity
	SharedSecret []byte
	AuthToken    string
}

// Guest reports whether there is no shared secret to encrypt or decrypt with.
func (c Credentials) Guest() bool { return len(c.SharedSecret) == 0 }

// ClientConfig locates the API endpoints.
type ClientConfig struct {
	// APIEndpoint is the authenticated API root on the caller's own host.
	APIEndpoint string
	// DirectEndpoint is the anonymous API root; "{identity}" is replaced by
	// the content owner.
	DirectEndpoint string
}

// Client talks to identity hosts and writes responses into the blob store.
type Client struct {
	cfg     ClientConfig
	creds   Credentials
	store   *blob.Store
	http    *http.Client
	limiter *ratelimit.Keyed
	log     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithHTTPClient(h *http.Client) ClientOption { return func(c *Client) { c.http = h } }

func WithLimiter(l *ratelimit.Keyed) ClientOption { return func(c *Client) { c.limiter = l } }

func WithLogger(l *slog.Logger) ClientOption { return func(c *Client) { c.log = l } }

func NewClient(cfg ClientConfig, creds Credentials, store *blob.Store, opts ...ClientOption) *Client {
	c := &Client{
		cfg:   cfg,
		creds: creds,
		store: store,
		http:  &http.Client{Timeout: 5 * time.Minute},
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Credentials returns the credentials the client signs requests with.
func (c *Client) Credentials() Credentials { return c.creds }

// FileURL builds the unencrypted authenticated URL for ref. Own content is
// read from the drive API; other identities are reached through transit,
// addressed by global transit id when the reference carries one.
func (c *Client) FileURL(ref media.PayloadReference, kind Kind, size *media.ImageSize) string {
	own := ref.Identity == c.creds.Identity
	q := url.Values{}
	q.Set("alias", ref.Drive.Alias)
	q.Set("type", ref.Drive.Type)

	path := "/drive/files/"
	if !own {
		path = "/transit/query/"
		q.Set("odinId", string(ref.Identity))
	}
	path += string(kind)

	byGlobal := ref.GlobalTransitID != "" && (!own || ref.FileID == "")
	if byGlobal {
		path += "_byglobaltransitid"
		q.Set("globalTransitId", ref.GlobalTransitID)
	} else {
		q.Set("fileId", ref.FileID)
	}

	switch kind {
	case KindPayload:
		q.Set("key", ref.PayloadKey)
	case KindThumb:
		q.Set("payloadKey", ref.PayloadKey)
		if size != nil {
			q.Set("width", strconv.Itoa(size.PixelWidth))
			q.Set("height", strconv.Itoa(size.PixelHeight))
		}
	}
	return strings.TrimSuffix(c.cfg.APIEndpoint, "/") + path + "?" + q.Encode()
}

// SignedURL is FileURL with its query encrypted under the shared secret.
func (c *Client) SignedURL(ref media.PayloadReference, kind Kind, size *media.ImageSize) (string, error) {
	return crypto.EncryptURL(c.FileURL(ref, kind, size), c.creds.SharedSecret)
}

// DirectURL builds the anonymous URL for unencrypted content. fileID must
// be the owner's file id; global transit ids are not accepted there.
func (c *Client) DirectURL(ref media.PayloadReference, fileID string, size *media.ImageSize, lastModified int64) string {
	root := strings.ReplaceAll(c.cfg.DirectEndpoint, "{identity}", string(ref.Identity))
	q := url.Values{}
	q.Set("alias", ref.Drive.Alias)
	q.Set("type", ref.Drive.Type)
	q.Set("fileId", fileID)

	kind := KindPayload
	if size != nil {
		kind = KindThumb
		q.Set("payloadKey", ref.PayloadKey)
		q.Set("width", strconv.Itoa(size.PixelWidth))
		q.Set("height", strconv.Itoa(size.PixelHeight))
	} else {
		q.Set("key", ref.PayloadKey)
	}
	if lastModified != 0 {
		q.Set("lastModified", strconv.FormatInt(lastModified, 10))
	}
	q.Set("xfst", string(ref.FileSystem()))
	return strings.TrimSuffix(root, "/") + "/drive/files/" + string(kind) + "?" + q.Encode()
}

// FileHeader is the subset of a file header the engine reads.
type FileHeader struct {
	FileID                         string        `json:"fileId"`
	FileMetadata                   FileMetadata  `json:"fileMetadata"`
	SharedSecretEncryptedKeyHeader *WireKeyHeader `json:"sharedSecretEncryptedKeyHeader,omitempty"`
}

// FileMetadata describes the stored file.
type FileMetadata struct {
	IsEncrypted bool                `json:"isEncrypted"`
	Payloads    []PayloadDescriptor `json:"payloads,omitempty"`
}

// PayloadDescriptor is one payload's entry in the header.
type PayloadDescriptor struct {
	Key               string `json:"key"`
	ContentType       string `json:"contentType"`
	Bytes             int64  `json:"bytesWritten"`
	DescriptorContent string `json:"descriptorContent,omitempty"`
}

// Payload returns the descriptor for key.
func (m FileMetadata) Payload(key string) (PayloadDescriptor, bool) {
	for _, p := range m.Payloads {
		if p.Key == key {
			return p, true
		}
	}
	return PayloadDescriptor{}, false
}

// WireKeyHeader is the JSON form of an encrypted key header.
type WireKeyHeader struct {
	IV              []byte `json:"iv"`
	EncryptedAESKey []byte `json:"encryptedAesKey"`
}

// KeyHeader decrypts the header's key header with the shared secret.
func (c *Client) KeyHeader(h *FileHeader) (crypto.KeyHeader, error) {
	if h.SharedSecretEncryptedKeyHeader == nil {
		return crypto.KeyHeader{}, fmt.Errorf("file %s has no key header: %w", h.FileID, media.ErrCrypto)
	}
	w := h.SharedSecretEncryptedKeyHeader
	return crypto.DecryptKeyHeader(crypto.EncryptedKeyHeader{IV: w.IV, EncryptedAESKey: w.EncryptedAESKey}, c.creds.SharedSecret)
}

// Header fetches the file header for ref.
func (c *Client) Header(ctx context.Context, ref media.PayloadReference) (*FileHeader, error) {
	resp, err := c.get(ctx, ref, KindHeader, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var h FileHeader
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decode header %s: %v: %w", ref, err, media.ErrIO)
	}
	return &h, nil
}

// Thumb downloads the thumbnail of ref closest to size.
func (c *Client) Thumb(ctx context.Context, ref media.PayloadReference, size media.ImageSize) (*blob.Blob, error) {
	return c.download(ctx, ref, KindThumb, &size)
}

// Payload downloads the full payload of ref.
func (c *Client) Payload(ctx context.Context, ref media.PayloadReference) (*blob.Blob, error) {
	return c.download(ctx, ref, KindPayload, nil)
}

// download streams the response to a blob and decrypts it when the host
// reports an encrypted payload.
func (c *Client) download(ctx context.Context, ref media.PayloadReference, kind Kind, size *media.ImageSize) (*blob.Blob, error) {
	resp, err := c.get(ctx, ref, kind, size)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get(HeaderContentType)
	encrypted := resp.Header.Get(HeaderPayloadEncrypted) == "True"
	if !encrypted && ref.Identity == c.creds.Identity {
		raw, err := c.store.CreateFromReader(resp.Body, contentType)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", kind, ref, err)
		}
		return raw, nil
	}

	// Transit and encrypted bodies land as .bin; the name is settled once
	// the content type is known to be right.
	raw, err := c.store.CreateRawFromReader(resp.Body, contentType)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", kind, ref, err)
	}

	if !encrypted {
		fixed, err := raw.FixExtension(ctx)
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("%s %s: %w", kind, ref, err)
		}
		return fixed, nil
	}
	defer raw.Close()

	header64 := resp.Header.Get(HeaderKeyHeader)
	if header64 == "" {
		return nil, fmt.Errorf("%s %s: encrypted without key header: %w", kind, ref, media.ErrCrypto)
	}
	ekh, err := crypto.SplitEncryptedKeyHeader(header64)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", kind, ref, err)
	}
	kh, err := crypto.DecryptKeyHeader(ekh, c.creds.SharedSecret)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", kind, ref, err)
	}
	return raw.Decrypt(ctx, kh.AESKey, kh.IV)
}

func (c *Client) get(ctx context.Context, ref media.PayloadReference, kind Kind, size *media.ImageSize) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, string(ref.Identity)); err != nil {
			return nil, err
		}
	}
	u, err := c.SignedURL(ref, kind, size)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", kind, ref, err)
	}
	req.Header.Set(HeaderFileSystemType, string(ref.FileSystem()))
	if c.creds.AuthToken != "" {
		req.Header.Set(HeaderAuthToken, c.creds.AuthToken)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %v: %w", kind, ref, err, media.ErrIO)
	}
	c.log.Debug("fetch", "kind", kind, "identity", ref.Identity, "file_id", ref.ID(),
		"payload_key", ref.PayloadKey, "status", resp.StatusCode, "duration", time.Since(start))

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp, nil
	case resp.StatusCode == http.StatusNotFound:
		drain(resp)
		return nil, fmt.Errorf("%s %s: %w", kind, ref, media.ErrNotFound)
	default:
		drain(resp)
		return nil, fmt.Errorf("%s %s: status %d: %w", kind, ref, resp.StatusCode, media.ErrIO)
	}
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
