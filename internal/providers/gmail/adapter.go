package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailflow/internal/auth"
	"github.com/Martian-dev/mailflow/internal/sync"
)

// folderLabels maps stream folders onto Gmail label ids.
var folderLabels = map[string]string{
	sync.FolderInbox: "INBOX",
	sync.FolderSent:  "SENT",
}

// TokenSource supplies a currently valid access token for a service.
type TokenSource interface {
	EnsureValid(ctx context.Context, service string) (string, error)
}

// Adapter implements sync.MailProvider on the Gmail API. Cursors are
// history ids; in-run page tokens are the API's native page tokens.
type Adapter struct {
	svc *gmail.Service
}

// New creates a Gmail adapter whose calls authenticate through the
// refresher-backed token source.
func New(ctx context.Context, tokens TokenSource, service string) (*Adapter, error) {
	ts := oauth2.ReuseTokenSource(nil, &refresherTokenSource{tokens: tokens, service: service})

	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &Adapter{svc: svc}, nil
}

// FetchPage fetches one page for a stream: a full message listing when the
// cursor is empty, otherwise the history delta since the cursor. Gmail only
// issues a resume marker at the end of a run, so intermediate pages carry
// no new cursor.
func (a *Adapter) FetchPage(ctx context.Context, stream sync.Stream, cursor, pageToken string) (*sync.Page, error) {
	label, ok := folderLabels[stream.Folder]
	if !ok {
		label = strings.ToUpper(stream.Folder)
	}

	if cursor == "" {
		return a.fetchBackfillPage(ctx, label, pageToken)
	}
	return a.fetchHistoryPage(ctx, label, cursor, pageToken)
}

func (a *Adapter) fetchBackfillPage(ctx context.Context, label, pageToken string) (*sync.Page, error) {
	call := a.svc.Users.Messages.List("me").
		LabelIds(label).
		IncludeSpamTrash(false).
		MaxResults(100).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, classify(err)
	}

	page := &sync.Page{NextPage: resp.NextPageToken}
	for _, m := range resp.Messages {
		meta, err := a.fetchMeta(ctx, m.Id)
		if err != nil {
			return nil, err
		}
		page.Messages = append(page.Messages, meta)
	}

	// The history id at the end of the backfill bounds the next delta run.
	if page.NextPage == "" {
		profile, err := a.svc.Users.GetProfile("me").Context(ctx).Do()
		if err != nil {
			return nil, classify(err)
		}
		page.NextCursor = strconv.FormatUint(profile.HistoryId, 10)
	}

	return page, nil
}

func (a *Adapter) fetchHistoryPage(ctx context.Context, label, cursor, pageToken string) (*sync.Page, error) {
	startHistoryID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad history id %q", sync.ErrCursorInvalid, cursor)
	}

	call := a.svc.Users.History.List("me").
		StartHistoryId(startHistoryID).
		LabelId(label).
		HistoryTypes("messageAdded").
		MaxResults(100).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, classify(err)
	}

	page := &sync.Page{NextPage: resp.NextPageToken}
	seen := make(map[string]bool)
	for _, h := range resp.History {
		for _, added := range h.MessagesAdded {
			if added.Message == nil || seen[added.Message.Id] {
				continue
			}
			seen[added.Message.Id] = true

			meta, err := a.fetchMeta(ctx, added.Message.Id)
			if err != nil {
				return nil, err
			}
			page.Messages = append(page.Messages, meta)
		}
	}

	if page.NextPage == "" && resp.HistoryId != 0 {
		page.NextCursor = strconv.FormatUint(resp.HistoryId, 10)
	}

	return page, nil
}

// fetchMeta loads one message's metadata and normalizes it.
func (a *Adapter) fetchMeta(ctx context.Context, id string) (sync.MessageMeta, error) {
	m, err := a.svc.Users.Messages.Get("me", id).Format("metadata").
		MetadataHeaders("Subject", "From").
		Context(ctx).Do()
	if err != nil {
		return sync.MessageMeta{}, classify(err)
	}
	return normalize(m), nil
}

// classify maps Gmail API failures onto the sync error taxonomy. A 404 on
// the history listing means the start history id has aged out.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch status := gerr.Code; {
		case status == http.StatusNotFound:
			return fmt.Errorf("%w: %v", sync.ErrCursorInvalid, err)
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return fmt.Errorf("gmail rejected token (status %d): %w", status, auth.ErrAuthRequired)
		case status == http.StatusTooManyRequests || status >= 500:
			return &sync.TransientError{Err: err}
		default:
			return err
		}
	}
	return &sync.TransientError{Err: err}
}

// normalize converts a Gmail message to the internal shape. Gmail has no
// conversation index; the internal date (milliseconds, zero-padded hex)
// serves as a byte-wise ordered position key within the thread.
func normalize(m *gmail.Message) sync.MessageMeta {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}

	subject := headers["Subject"]
	lower := strings.ToLower(subject)

	return sync.MessageMeta{
		MessageID:      m.Id,
		ConversationID: m.ThreadId,
		PositionKey:    fmt.Sprintf("%016x", m.InternalDate),
		Subject:        subject,
		Sender:         headers["From"],
		BodyPreview:    m.Snippet,
		IsReply:        strings.HasPrefix(lower, "re:"),
		IsForward:      strings.HasPrefix(lower, "fw:") || strings.HasPrefix(lower, "fwd:"),
		Date:           time.UnixMilli(m.InternalDate),
	}
}

// refresherTokenSource bridges the token refresher into oauth2.TokenSource.
type refresherTokenSource struct {
	tokens  TokenSource
	service string
}

func (s *refresherTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.tokens.EnsureValid(context.Background(), s.service)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: token,
		Expiry:      time.Now().Add(5 * time.Minute),
	}, nil
}
