// Package r2s3 uploads exported structures to Cloudflare R2 (or any
// S3-compatible store) using path-style SigV4 requests.
package r2s3

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"
)

type Client struct {
	endpoint string
	bucket   string
	signer   signer
	http     *http.Client

	now func() time.Time
}

func New(endpoint, bucket, accessKeyID, secretAccessKey string) (*Client, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	bucket = strings.TrimSpace(bucket)
	s := signer{
		keyID:   strings.TrimSpace(accessKeyID),
		secret:  strings.TrimSpace(secretAccessKey),
		region:  "auto",
		service: "s3",
	}
	if endpoint == "" || bucket == "" || s.keyID == "" || s.secret == "" {
		return nil, fmt.Errorf("endpoint/bucket/access key/secret key are required")
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid endpoint %q", endpoint)
	}
	return &Client{
		endpoint: u.Scheme + "://" + u.Host + strings.TrimRight(u.Path, "/"),
		bucket:   bucket,
		signer:   s,
		http:     &http.Client{Timeout: 2 * time.Minute},
		now:      time.Now,
	}, nil
}

// NewFromEnv reads R2_ENDPOINT, R2_BUCKET, R2_ACCESS_KEY_ID and
// R2_SECRET_ACCESS_KEY. It returns nil, nil when R2_ENDPOINT is unset.
func NewFromEnv() (*Client, error) {
	if strings.TrimSpace(os.Getenv("R2_ENDPOINT")) == "" {
		return nil, nil
	}
	return New(os.Getenv("R2_ENDPOINT"), os.Getenv("R2_BUCKET"), os.Getenv("R2_ACCESS_KEY_ID"), os.Getenv("R2_SECRET_ACCESS_KEY"))
}

// PutFile uploads localPath as objectKey. The body is hashed first, so the
// file is read twice.
func (c *Client) PutFile(ctx context.Context, objectKey, localPath string) error {
	key := cleanKey(objectKey)
	if key == "" {
		return fmt.Errorf("empty object key %q", objectKey)
	}
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if !st.Mode().IsRegular() {
		return fmt.Errorf("not a regular file: %s", localPath)
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash %s: %w", localPath, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	uri := "/" + c.bucket + "/" + escapeKey(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.endpoint+uri, f)
	if err != nil {
		return err
	}
	req.ContentLength = st.Size()
	req.Header.Set("Content-Type", contentType(key))
	c.signer.sign(req, uri, hex.EncodeToString(h.Sum(nil)), c.now())

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	return fmt.Errorf("r2 put failed status=%d key=%s body=%s", resp.StatusCode, key, strings.TrimSpace(string(body)))
}

// contentType follows the structure file suffixes structio writes.
func contentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".gz"):
		return "application/gzip"
	case strings.HasSuffix(key, ".zst"):
		return "application/zstd"
	default:
		return "application/octet-stream"
	}
}

// cleanKey turns key into a bucket-relative path. Leading slashes and ".."
// segments cannot climb above the bucket root.
func cleanKey(key string) string {
	key = strings.ReplaceAll(strings.TrimSpace(key), "\\", "/")
	return strings.TrimPrefix(path.Clean("/"+key), "/")
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// signer produces AWS SigV4 Authorization headers over host,
// x-amz-content-sha256 and x-amz-date.
type signer struct {
	keyID   string
	secret  string
	region  string
	service string
}

const signedHeaders = "host;x-amz-content-sha256;x-amz-date"

func (s signer) sign(req *http.Request, uri, payloadHash string, t time.Time) {
	t = t.UTC()
	stamp := t.Format("20060102T150405Z")
	day := stamp[:8]
	req.Header.Set("x-amz-content-sha256", payloadHash)
	req.Header.Set("x-amz-date", stamp)

	canonical := req.Method + "\n" + uri + "\n\n" +
		"host:" + req.URL.Host + "\n" +
		"x-amz-content-sha256:" + payloadHash + "\n" +
		"x-amz-date:" + stamp + "\n\n" +
		signedHeaders + "\n" + payloadHash
	sum := sha256.Sum256([]byte(canonical))
	scope := day + "/" + s.region + "/" + s.service + "/aws4_request"
	toSign := "AWS4-HMAC-SHA256\n" + stamp + "\n" + scope + "\n" + hex.EncodeToString(sum[:])

	key := []byte("AWS4" + s.secret)
	for _, part := range []string{day, s.region, s.service, "aws4_request"} {
		key = hmacSum(key, part)
	}
	req.Header.Set("Authorization", fmt.Sprintf("AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%x",
		s.keyID, scope, signedHeaders, hmacSum(key, toSign)))
}

func hmacSum(key []byte, data string) []byte {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(data))
	return m.Sum(nil)
}
