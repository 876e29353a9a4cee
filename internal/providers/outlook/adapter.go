package outlook

import (
	"context"
	"errors"
	"fmt"
	"strings"

	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	graphmodels "github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/microsoft"
	"golang.org/x/time/rate"

	"github.com/Martian-dev/assist-mailsync/internal/models"
	mailsync "github.com/Martian-dev/assist-mailsync/internal/sync"
)

const graphScope = "https://graph.microsoft.com/.default"

var selectFields = []string{
	"id", "conversationId", "internetMessageId", "subject", "from", "toRecipients", "ccRecipients",
	"bccRecipients", "replyTo", "body", "bodyPreview", "sentDateTime", "receivedDateTime",
}

// Config holds the app-only credentials of the Graph application
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// RateLimit caps Graph requests per second; zero means unlimited
	RateLimit float64
	// Folder is the mail folder to track, "inbox" by default
	Folder string
}

// page is one response of a delta round
type page struct {
	messages  []graphmodels.Messageable
	nextLink  string
	deltaLink string
}

type pager interface {
	First(ctx context.Context, user string) (*page, error)
	Follow(ctx context.Context, link string) (*page, error)
}

// Adapter implements MailProvider on top of the Graph messages delta query
type Adapter struct {
	pages   pager
	limiter *rate.Limiter
}

// New creates a Graph client authenticated with the client credentials flow
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("graph credentials are not configured")
	}
	oauth := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     microsoft.AzureADEndpoint(cfg.TenantID).TokenURL,
		Scopes:       []string{graphScope},
	}
	cred := &tokenSourceCredential{src: oauth.TokenSource(ctx)}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{graphScope})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	folder := cfg.Folder
	if folder == "" {
		folder = "inbox"
	}
	return newAdapter(&graphPager{client: client, folder: folder}, cfg.RateLimit), nil
}

func newAdapter(p pager, perSecond float64) *Adapter {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Adapter{pages: p, limiter: rate.NewLimiter(limit, 1)}
}

// FullSync starts a fresh delta round over the whole folder
func (a *Adapter) FullSync(ctx context.Context, mb models.Mailbox, fn func(mailsync.Change) error) (*mailsync.Checkpoint, error) {
	return a.walk(ctx, mb, "", fn)
}

// IncrementalSync resumes from the deltaLink saved by the previous round
func (a *Adapter) IncrementalSync(ctx context.Context, mb models.Mailbox, cp mailsync.Checkpoint, fn func(mailsync.Change) error) (*mailsync.Checkpoint, error) {
	if cp.Cursor == "" {
		return a.FullSync(ctx, mb, fn)
	}
	return a.walk(ctx, mb, cp.Cursor, fn)
}

// walk follows nextLinks until the round ends with a deltaLink
func (a *Adapter) walk(ctx context.Context, mb models.Mailbox, link string, fn func(mailsync.Change) error) (*mailsync.Checkpoint, error) {
	for {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var (
			p   *page
			err error
		)
		if link == "" {
			p, err = a.pages.First(ctx, mb.Address)
		} else {
			p, err = a.pages.Follow(ctx, link)
		}
		if err != nil {
			return nil, classify(err)
		}

		for _, m := range p.messages {
			if err := fn(toChange(m, mb.Address)); err != nil {
				return nil, err
			}
		}

		if p.deltaLink != "" {
			return &mailsync.Checkpoint{Cursor: p.deltaLink}, nil
		}
		if p.nextLink == "" {
			return nil, fmt.Errorf("delta response carried neither nextLink nor deltaLink")
		}
		link = p.nextLink
	}
}

var expiredCodes = map[string]bool{
	"syncstatenotfound": true,
	"syncstateinvalid":  true,
	"resyncrequired":    true,
}

// classify turns Graph's "token expired, resync" answers into ErrCursorExpired
func classify(err error) error {
	var odataErr *odataerrors.ODataError
	if !errors.As(err, &odataErr) {
		return fmt.Errorf("graph delta request failed: %w", err)
	}

	code, message := "", odataErr.Error()
	if main := odataErr.GetErrorEscaped(); main != nil {
		code = deref(main.GetCode())
		if m := deref(main.GetMessage()); m != "" {
			message = m
		}
	}
	if odataErr.ResponseStatusCode == 410 || expiredCodes[strings.ToLower(code)] {
		return fmt.Errorf("%w: %s", mailsync.ErrCursorExpired, message)
	}
	return fmt.Errorf("graph delta request failed (%d %s): %s", odataErr.ResponseStatusCode, code, message)
}

// toChange normalizes a Graph message. Entries annotated with @removed are deletions.
func toChange(m graphmodels.Messageable, mailboxAddress string) mailsync.Change {
	msg := models.Message{
		MessageID: deref(m.GetId()),
		ThreadID:  deref(m.GetConversationId()),
		Subject:   deref(m.GetSubject()),
	}
	if _, removed := m.GetAdditionalData()["@removed"]; removed {
		return mailsync.Change{Type: mailsync.ChangeDeleted, Message: msg}
	}

	if body := m.GetBody(); body != nil {
		content := deref(body.GetContent())
		if ct := body.GetContentType(); ct != nil && *ct == graphmodels.HTML_BODYTYPE {
			msg.BodyHTML = content
			msg.BodyText = deref(m.GetBodyPreview())
		} else {
			msg.BodyText = content
		}
	}
	if t := m.GetSentDateTime(); t != nil {
		sent := t.UTC()
		msg.SentAt = &sent
	}
	if t := m.GetReceivedDateTime(); t != nil {
		msg.ReceivedAt = t.UTC()
	} else if msg.SentAt != nil {
		msg.ReceivedAt = *msg.SentAt
	}

	if from := m.GetFrom(); from != nil {
		msg.Participants = appendRecipients(msg.Participants, models.RoleFrom, from)
	}
	msg.Participants = appendRecipients(msg.Participants, models.RoleTo, m.GetToRecipients()...)
	msg.Participants = appendRecipients(msg.Participants, models.RoleCc, m.GetCcRecipients()...)
	msg.Participants = appendRecipients(msg.Participants, models.RoleBcc, m.GetBccRecipients()...)
	msg.Participants = appendRecipients(msg.Participants, models.RoleReplyTo, m.GetReplyTo()...)

	from := ""
	if p := msg.From(); p != nil {
		from = p.Address
	}
	msg.Direction = models.DirectionFor(mailboxAddress, from)

	return mailsync.Change{Type: mailsync.ChangeCreated, Message: msg}
}

func appendRecipients(out []models.Participant, role models.Role, recipients ...graphmodels.Recipientable) []models.Participant {
	for _, r := range recipients {
		if r == nil || r.GetEmailAddress() == nil {
			continue
		}
		addr := deref(r.GetEmailAddress().GetAddress())
		if addr == "" {
			continue
		}
		out = append(out, models.Participant{
			Address: addr,
			Name:    deref(r.GetEmailAddress().GetName()),
			Role:    role,
		})
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// graphPager issues delta requests through the SDK
type graphPager struct {
	client *msgraphsdk.GraphServiceClient
	folder string
}

func (g *graphPager) builder(user string) *users.ItemMailFoldersItemMessagesDeltaRequestBuilder {
	return g.client.Users().ByUserId(user).MailFolders().ByMailFolderId(g.folder).Messages().Delta()
}

func (g *graphPager) First(ctx context.Context, user string) (*page, error) {
	cfg := &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{
			Select: selectFields,
		},
	}
	resp, err := g.builder(user).GetAsDeltaGetResponse(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return toPage(resp), nil
}

// Follow requests a nextLink or deltaLink as returned by Graph
func (g *graphPager) Follow(ctx context.Context, link string) (*page, error) {
	resp, err := g.builder("me").WithUrl(link).GetAsDeltaGetResponse(ctx, nil)
	if err != nil {
		return nil, err
	}
	return toPage(resp), nil
}

func toPage(resp users.ItemMailFoldersItemMessagesDeltaGetResponseable) *page {
	return &page{
		messages:  resp.GetValue(),
		nextLink:  deref(resp.GetOdataNextLink()),
		deltaLink: deref(resp.GetOdataDeltaLink()),
	}
}
