// Package tsa is an RFC 3161 timestamping client that plugs into the PKCS#7 engine.
//
// The client stamps the SHA-256 hash of a signature value and returns the raw token, which
// the engine then merges into the signer through the agent.
package tsa

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sakerinn/eimzo/internal/pkcs7"
	smpkcs7 "github.com/smallstep/pkcs7"
)

var (
	ErrTimestampFailed   = errors.New("timestamp request failed")
	ErrTimestampRejected = errors.New("timestamp request rejected")
	ErrInvalidTimestamp  = errors.New("invalid timestamp")
	ErrTimestampMismatch = errors.New("timestamp message imprint mismatch")
)

const (
	contentTypeQuery = "application/timestamp-query"
	maxResponseSize  = 1 << 20
)

// Config configures a Client.
type Config struct {
	URL      string
	Username string
	Password string
	// Policy requested from the TSA, optional.
	Policy asn1.ObjectIdentifier
	// Timeout bounds a single request. Zero means 30 seconds.
	Timeout time.Duration
}

// Client requests timestamps from a TSA over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var _ pkcs7.Timestamper = (*Client)(nil)

// NewClient creates a TSA client. A nil httpClient gets one with cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, httpClient: httpClient}
}

// Timestamp stamps the signature value given in hex. The PKCS#7 itself is not sent to the TSA.
func (c *Client) Timestamp(ctx context.Context, signatureHex, _ string) (*pkcs7.TimestampToken, error) {
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return nil, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) == 0 {
		return nil, errors.New("empty signature")
	}

	token, err := c.Request(ctx, sig)
	if err != nil {
		return nil, err
	}

	return &pkcs7.TimestampToken{
		AttachedPKCS7: false,
		TokenB64:      base64.StdEncoding.EncodeToString(token),
	}, nil
}

// Request timestamps data and returns the DER encoded token.
func (c *Client) Request(ctx context.Context, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)

	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	req := TimeStampReq{
		Version: 1,
		MessageImprint: MessageImprint{
			HashAlgorithm: AlgorithmIdentifier{
				Algorithm:  OIDSHA256,
				Parameters: asn1.RawValue{Tag: asn1.TagNull},
			},
			HashedMessage: digest[:],
		},
		ReqPolicy: c.cfg.Policy,
		Nonce:     nonce,
		CertReq:   true,
	}

	body, err := asn1.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentTypeQuery)
	if c.cfg.Username != "" {
		httpReq.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimestampFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrTimestampFailed, resp.StatusCode)
	}

	respData, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimestampFailed, err)
	}

	token, err := ParseResponse(respData, digest[:], nonce)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("tsa", c.cfg.URL).
		Dur("duration", time.Since(started)).
		Int("token_size", len(token)).
		Msg("Timestamp obtained")

	return token, nil
}

// ParseResponse checks a DER timestamp response against the expected imprint and nonce and
// returns the token. A nil nonce is not checked.
func ParseResponse(respData, digest []byte, nonce *big.Int) ([]byte, error) {
	var resp TimeStampResp
	if _, err := asn1.Unmarshal(respData, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}

	if s := resp.Status.Status; s != StatusGranted && s != StatusGrantedWithMods {
		return nil, fmt.Errorf("%w: status %d %v", ErrTimestampRejected, s, resp.Status.StatusString)
	}
	if len(resp.TimeStampToken.FullBytes) == 0 {
		return nil, fmt.Errorf("%w: no token in response", ErrInvalidTimestamp)
	}

	info, err := ParseToken(resp.TimeStampToken.FullBytes)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(info.MessageImprint.HashedMessage, digest) {
		return nil, ErrTimestampMismatch
	}
	if nonce != nil && info.Nonce != nil && info.Nonce.Cmp(nonce) != 0 {
		return nil, fmt.Errorf("%w: nonce mismatch", ErrInvalidTimestamp)
	}

	return resp.TimeStampToken.FullBytes, nil
}

// ParseToken verifies the token's CMS signature and returns its TSTInfo.
func ParseToken(token []byte) (*TSTInfo, error) {
	p7, err := smpkcs7.Parse(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	if err := p7.Verify(); err != nil {
		return nil, fmt.Errorf("%w: token signature: %v", ErrInvalidTimestamp, err)
	}

	var info TSTInfo
	if _, err := asn1.Unmarshal(p7.Content, &info); err != nil {
		return nil, fmt.Errorf("%w: failed to parse TSTInfo: %v", ErrInvalidTimestamp, err)
	}
	return &info, nil
}
