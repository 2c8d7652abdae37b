package outlook

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	kiotaauth "github.com/microsoft/kiota-authentication-azure-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Martian-dev/mailflow/internal/auth"
	"github.com/Martian-dev/mailflow/internal/sync"
)

// selectFields is the projection requested on every delta page.
var selectFields = []string{
	"id", "conversationId", "conversationIndex", "subject", "from",
	"bodyPreview", "sentDateTime", "receivedDateTime",
}

// wellKnownFolders maps stream folders onto Graph well-known folder names.
var wellKnownFolders = map[string]string{
	sync.FolderInbox: "inbox",
	sync.FolderSent:  "sentitems",
}

// TokenSource supplies a currently valid access token for a service.
type TokenSource interface {
	EnsureValid(ctx context.Context, service string) (string, error)
}

// Adapter implements sync.MailProvider on Microsoft Graph mail-folder
// delta queries. Cursors are Graph deltaLinks; in-run page tokens are
// nextLinks.
type Adapter struct {
	client  *msgraphsdk.GraphServiceClient
	adapter *msgraphsdk.GraphRequestAdapter
	tokens  TokenSource
	service string
}

// New creates an Outlook adapter whose Graph calls authenticate through the
// refresher-backed token source.
func New(tokens TokenSource, service string) (*Adapter, error) {
	cred := &refresherCredential{tokens: tokens, service: service}

	authProvider, err := kiotaauth.NewAzureIdentityAuthenticationProviderWithScopes(
		cred, []string{"https://graph.microsoft.com/.default"})
	if err != nil {
		return nil, fmt.Errorf("failed to create auth provider: %w", err)
	}

	adapter, err := msgraphsdk.NewGraphRequestAdapter(authProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph adapter: %w", err)
	}

	return &Adapter{
		client:  msgraphsdk.NewGraphServiceClient(adapter),
		adapter: adapter,
		tokens:  tokens,
		service: service,
	}, nil
}

// FetchPage fetches one delta page for a stream. A response carrying a
// nextLink means more pages follow; a deltaLink is the new cursor for the
// next run.
func (a *Adapter) FetchPage(ctx context.Context, stream sync.Stream, cursor, pageToken string) (*sync.Page, error) {
	// Fail fast on dead credentials instead of surfacing an opaque SDK
	// auth error mid-request.
	if _, err := a.tokens.EnsureValid(ctx, a.service); err != nil {
		return nil, err
	}

	folder, ok := wellKnownFolders[stream.Folder]
	if !ok {
		folder = stream.Folder
	}

	var resp users.ItemMailFoldersItemMessagesDeltaGetResponseable
	var err error
	switch {
	case pageToken != "":
		builder := users.NewItemMailFoldersItemMessagesDeltaRequestBuilder(pageToken, a.adapter)
		resp, err = builder.GetAsDeltaGetResponse(ctx, nil)
	case cursor != "":
		builder := users.NewItemMailFoldersItemMessagesDeltaRequestBuilder(cursor, a.adapter)
		resp, err = builder.GetAsDeltaGetResponse(ctx, nil)
	default:
		config := &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{
				Top:    int32Ptr(100),
				Select: selectFields,
			},
		}
		resp, err = a.client.Users().
			ByUserId(stream.Mailbox).
			MailFolders().
			ByMailFolderId(folder).
			Messages().
			Delta().
			GetAsDeltaGetResponse(ctx, config)
	}
	if err != nil {
		return nil, classify(err)
	}

	page := &sync.Page{}
	for _, msg := range resp.GetValue() {
		page.Messages = append(page.Messages, normalize(msg))
	}
	if next := resp.GetOdataNextLink(); next != nil {
		page.NextPage = *next
	}
	if delta := resp.GetOdataDeltaLink(); delta != nil {
		page.NextCursor = *delta
	}

	return page, nil
}

// classify maps Graph failures onto the sync error taxonomy. Graph answers
// a stale delta token with 410 Gone.
func classify(err error) error {
	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		switch status := odataErr.ResponseStatusCode; {
		case status == http.StatusGone:
			return fmt.Errorf("%w: %v", sync.ErrCursorInvalid, err)
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return fmt.Errorf("graph rejected token (status %d): %w", status, auth.ErrAuthRequired)
		case status == http.StatusTooManyRequests || status >= 500:
			return &sync.TransientError{Err: err}
		default:
			return err
		}
	}
	// Anything that never reached Graph is network-shaped.
	return &sync.TransientError{Err: err}
}

// normalize converts a Graph message to the internal shape. The raw
// conversationIndex bytes become a hex position key: hex preserves both
// byte order and the parent-is-a-prefix property.
func normalize(m models.Messageable) sync.MessageMeta {
	meta := sync.MessageMeta{}

	if id := m.GetId(); id != nil {
		meta.MessageID = *id
	}
	if convID := m.GetConversationId(); convID != nil {
		meta.ConversationID = *convID
	}
	if idx := m.GetConversationIndex(); len(idx) > 0 {
		meta.PositionKey = hex.EncodeToString(idx)
		// The root index is 22 bytes; each reply appends a 5-byte block.
		meta.IsReply = len(idx) > 22
	}
	if subject := m.GetSubject(); subject != nil {
		meta.Subject = *subject
		lower := strings.ToLower(*subject)
		meta.IsForward = strings.HasPrefix(lower, "fw:") || strings.HasPrefix(lower, "fwd:")
	}
	if from := m.GetFrom(); from != nil {
		if addr := from.GetEmailAddress(); addr != nil {
			if email := addr.GetAddress(); email != nil {
				meta.Sender = *email
			}
		}
	}
	if preview := m.GetBodyPreview(); preview != nil {
		meta.BodyPreview = *preview
	}
	if sent := m.GetSentDateTime(); sent != nil {
		meta.Date = *sent
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		meta.Date = *rcvd
	}

	return meta
}

// refresherCredential bridges the token refresher into the Azure credential
// interface the Graph SDK expects.
type refresherCredential struct {
	tokens  TokenSource
	service string
}

func (c *refresherCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	token, err := c.tokens.EnsureValid(ctx, c.service)
	if err != nil {
		return azcore.AccessToken{}, err
	}
	// The refresher re-validates on every page fetch; a short lifetime here
	// just keeps the SDK from caching a token past its refresh window.
	return azcore.AccessToken{
		Token:     token,
		ExpiresOn: time.Now().Add(5 * time.Minute),
	}, nil
}

func int32Ptr(i int32) *int32 {
	return &i
}
