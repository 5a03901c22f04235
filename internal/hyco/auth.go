// Package hyco accepts remote bridge endpoints through an Azure Relay Hybrid
// Connection.
//
// The relay listens on the hybrid connection's control channel and dials a
// rendezvous websocket for every accept it is offered. Each rendezvous
// websocket is handed to an AcceptHandler, which attaches it as a bridge.
package hyco

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

const relayScope = "https://relay.azure.net/.default"

// TokenProvider generates authentication tokens for Azure Relay.
type TokenProvider interface {
	// GetToken returns a token suitable for the sb-hc-token query parameter
	// or the renewToken control message.
	GetToken(ctx context.Context, resourceURI string) (string, error)
}

// SASTokenProvider generates Shared Access Signature tokens.
type SASTokenProvider struct {
	KeyName string
	Key     string
}

// GetToken generates a SAS token for resourceURI.
func (p *SASTokenProvider) GetToken(_ context.Context, resourceURI string) (string, error) {
	return GenerateSASToken(resourceURI, p.KeyName, p.Key, tokenExpiry)
}

// EntraTokenProvider obtains OAuth2 tokens through Azure Identity.
type EntraTokenProvider struct {
	cred azcore.TokenCredential
}

// NewEntraTokenProvider creates a token provider using DefaultAzureCredential.
func NewEntraTokenProvider() (*EntraTokenProvider, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure credential: %w", err)
	}
	return &EntraTokenProvider{cred: cred}, nil
}

// NewEntraTokenProviderWithCredential creates a token provider with cred.
func NewEntraTokenProviderWithCredential(cred azcore.TokenCredential) *EntraTokenProvider {
	return &EntraTokenProvider{cred: cred}
}

// GetToken obtains an OAuth2 token scoped to Azure Relay. The resource URI
// is not used.
func (p *EntraTokenProvider) GetToken(ctx context.Context, _ string) (string, error) {
	tk, err := p.cred.GetToken(ctx, policy.TokenRequestOptions{
		Scopes: []string{relayScope},
	})
	if err != nil {
		return "", fmt.Errorf("acquire Entra token: %w", err)
	}
	return tk.Token, nil
}

// NewTokenProvider returns a SAS provider when both keyName and key are set,
// and an Entra ID provider otherwise.
func NewTokenProvider(keyName, key string) (TokenProvider, error) {
	switch {
	case keyName != "" && key != "":
		return &SASTokenProvider{KeyName: keyName, Key: key}, nil
	case keyName != "" || key != "":
		return nil, errors.New("SAS authentication needs both a key name and a key")
	default:
		return NewEntraTokenProvider()
	}
}

// GenerateSASToken creates a SharedAccessSignature token for resourceURI.
// The key is the raw key value from the Azure portal.
func GenerateSASToken(resourceURI, keyName, key string, expiry time.Duration) (string, error) {
	if keyName == "" || key == "" {
		return "", errors.New("SAS key name and key are required")
	}
	uri := url.QueryEscape(strings.ToLower(resourceURI))
	exp := time.Now().Add(expiry).Unix()
	sig := sign(uri, exp, key)
	return fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%d&skn=%s",
		uri, url.QueryEscape(sig), exp, keyName), nil
}

func sign(uri string, expiry int64, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	fmt.Fprintf(mac, "%s\n%d", uri, expiry)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// sanitizeErr strips token query parameters from websocket dial errors.
func sanitizeErr(err error) error {
	const param = "sb-hc-token="
	s := err.Error()
	if !strings.Contains(s, param) {
		return err
	}
	var b strings.Builder
	for {
		i := strings.Index(s, param)
		if i == -1 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:i+len(param)])
		b.WriteString("REDACTED")
		s = s[i+len(param):]
		end := strings.IndexAny(s, "\" &")
		if end == -1 {
			break
		}
		s = s[end:]
	}
	return errors.New(b.String())
}
