package httpfs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/fruitsalade/sandboxfs/pkg/pathutil"
	"github.com/fruitsalade/sandboxfs/pkg/remote"
)

// DefaultDownloadExpiry is the lifetime of a signed download URL.
const DefaultDownloadExpiry = 5 * time.Minute

// ErrNoSigningKey is returned when a signed URL is requested without an access token.
var ErrNoSigningKey = errors.New("signed download requires an access token")

// DownloadClaims are carried by the signature parameter of a download URL.
type DownloadClaims struct {
	Path string `json:"path"`
	User string `json:"user,omitempty"`
	Op   string `json:"op"`
	jwt.RegisteredClaims
}

// DownloadURL returns a URL that fetches the file at path. With UseSignature the URL
// carries an HS256 token keyed by the access token and bounded by the expiration.
func (c *Client) DownloadURL(ctx context.Context, path string, opts remote.DownloadOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path = pathutil.Normalize(path)

	q := url.Values{"path": {path}}
	if opts.User != "" {
		q.Set("username", opts.User)
	}
	if opts.UseSignature {
		expiry := opts.Expiration
		if expiry <= 0 {
			expiry = DefaultDownloadExpiry
		}
		sig, err := SignDownload(c.token(), path, opts.User, expiry, time.Now())
		if err != nil {
			return "", fmt.Errorf("download url %s: %w", path, err)
		}
		q.Set("signature", sig)
		q.Set("signature_expiration", fmt.Sprintf("%d", int(expiry.Seconds())))
	}
	return c.endpoint(pathFiles, q), nil
}

// SignDownload signs a read grant for path.
func SignDownload(key, path, user string, expiry time.Duration, now time.Time) (string, error) {
	if key == "" {
		return "", ErrNoSigningKey
	}
	claims := DownloadClaims{
		Path: pathutil.Normalize(path),
		User: user,
		Op:   "read",
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(key))
}

// VerifyDownload validates a signature produced by SignDownload and returns its claims.
func VerifyDownload(key, signature string) (*DownloadClaims, error) {
	claims := &DownloadClaims{}
	token, err := jwt.ParseWithClaims(signature, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(key), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid signature")
	}
	return claims, nil
}
