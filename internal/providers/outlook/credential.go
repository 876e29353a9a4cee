package outlook

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"golang.org/x/oauth2"
)

// tokenSourceCredential lets the Graph SDK draw tokens from an oauth2.TokenSource
type tokenSourceCredential struct {
	src oauth2.TokenSource
}

func (c *tokenSourceCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.src.Token()
	if err != nil {
		return azcore.AccessToken{}, fmt.Errorf("failed to obtain Graph token: %w", err)
	}
	return azcore.AccessToken{Token: tok.AccessToken, ExpiresOn: tok.Expiry}, nil
}
