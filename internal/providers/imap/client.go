package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

type imapSession struct {
	c *client.Client
}

func dialTLS(ctx context.Context, acct Account) (session, error) {
	addr := net.JoinHostPort(acct.Host, strconv.Itoa(acct.Port))
	c, err := client.DialTLS(addr, &tls.Config{
		ServerName: acct.Host,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.Timeout = time.Until(deadline)
	}

	if err := c.Login(acct.Username, acct.Password); err != nil {
		c.Logout() //nolint:errcheck
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}
	return &imapSession{c: c}, nil
}

func (s *imapSession) Select(folder string) (uint32, error) {
	mbox, err := s.c.Select(folder, true)
	if err != nil {
		return 0, err
	}
	return mbox.UidValidity, nil
}

func (s *imapSession) FetchAfter(uid uint32, fn func(fetched) error) error {
	seq := new(imap.SeqSet)
	seq.AddRange(uid+1, 0)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.c.UidFetch(seq, items, messages)
	}()

	// the channel must be drained even after fn fails
	var fnErr error
	for msg := range messages {
		if fnErr != nil {
			continue
		}
		lit := msg.GetBody(section)
		if lit == nil {
			continue
		}
		raw, err := io.ReadAll(lit)
		if err != nil {
			fnErr = fmt.Errorf("failed to read uid %d: %w", msg.Uid, err)
			continue
		}
		fnErr = fn(fetched{UID: msg.Uid, Internal: msg.InternalDate, Raw: raw})
	}

	if err := <-done; err != nil {
		return err
	}
	return fnErr
}

func (s *imapSession) Close() error {
	return s.c.Logout()
}
