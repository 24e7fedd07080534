// Package cipher is the invocation contract for the auxiliary encryption
// services. Handlers call them synchronously, inside their own deadline.
package cipher

import (
	"bytes"
	"context"
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"
)

const (
	ServiceEncrypt = "aes-encryption"
	ServiceDecrypt = "aes-decryption"
)

var (
	ErrUnavailable    = errors.New("auxiliary service unavailable")
	ErrUnknownService = errors.New("unknown auxiliary service")
	ErrMalformed      = errors.New("malformed ciphertext")
)

// Invoker calls an auxiliary service by name.
type Invoker interface {
	Invoke(ctx context.Context, service string, payload []byte) ([]byte, error)
}

// Seal encrypts plaintext through the encryption service.
func Seal(ctx context.Context, inv Invoker, plaintext []byte) ([]byte, error) {
	return inv.Invoke(ctx, ServiceEncrypt, plaintext)
}

// Open decrypts through the decryption service.
func Open(ctx context.Context, inv Invoker, ciphertext []byte) ([]byte, error) {
	return inv.Invoke(ctx, ServiceDecrypt, ciphertext)
}

// Local runs both services in process with AES-GCM. Ciphertext is
// base64(nonce || sealed).
type Local struct {
	aead gocipher.AEAD
}

// NewLocal derives a 256-bit key from secret.
func NewLocal(secret string) (*Local, error) {
	if secret == "" {
		return nil, errors.New("cipher key is required")
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := gocipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Local{aead: aead}, nil
}

func (l *Local) Invoke(ctx context.Context, service string, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch service {
	case ServiceEncrypt:
		nonce := make([]byte, l.aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		sealed := l.aead.Seal(nonce, nonce, payload, nil)
		out := make([]byte, base64.StdEncoding.EncodedLen(len(sealed)))
		base64.StdEncoding.Encode(out, sealed)
		return out, nil
	case ServiceDecrypt:
		raw := make([]byte, base64.StdEncoding.DecodedLen(len(payload)))
		n, err := base64.StdEncoding.Decode(raw, bytes.TrimSpace(payload))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		raw = raw[:n]
		ns := l.aead.NonceSize()
		if len(raw) < ns {
			return nil, ErrMalformed
		}
		plain, err := l.aead.Open(nil, raw[:ns], raw[ns:], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return plain, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
}

const maxResponseBytes = 1 << 20

// Remote calls services deployed behind an HTTP endpoint: POST
// {Endpoint}/{service} with the raw payload as the body.
type Remote struct {
	Endpoint string
	Client   *http.Client
}

func NewRemote(endpoint string) *Remote {
	return &Remote{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Remote) Invoke(ctx context.Context, service string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint+"/"+service, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := r.Client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, service, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, service, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, service)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%w: %s", ErrMalformed, strings.TrimSpace(string(body)))
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: %s returned %d", ErrUnavailable, service, resp.StatusCode)
	}
	return body, nil
}

// Handler exposes an Invoker over HTTP in the shape Remote expects.
func Handler(inv Invoker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		service := path.Base(r.URL.Path)
		payload, err := io.ReadAll(io.LimitReader(r.Body, maxResponseBytes))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		out, err := inv.Invoke(r.Context(), service, payload)
		switch {
		case errors.Is(err, ErrUnknownService):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, ErrMalformed):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case err != nil:
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write(out)
		}
	})
}
