package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	EventChanged     = "changed"
	EventInvalidated = "invalidated"
)

var ErrInvalidOptions = errors.New("invalid notify options")

// Event is one server push. ItemIDs may be empty, meaning the whole
// collection should be re-fetched.
type Event struct {
	Type         string  `json:"type"`
	CollectionID string  `json:"collectionId"`
	ItemIDs      []int64 `json:"itemIds,omitempty"`
}

type subscribeMessage struct {
	Type        string   `json:"type"`
	Collections []string `json:"collections"`
}

type Handler func(ctx context.Context, ev Event)

type Logger interface {
	Printf(format string, args ...any)
}

type SubscriberOptions struct {
	URL         string
	Token       string
	Collections []string
	Handler     Handler
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	Logger      Logger
	// HTTPClient is used for the websocket handshake.
	HTTPClient *http.Client
}

// Subscriber holds a websocket open to the change feed and reconnects with
// backoff whenever it drops.
type Subscriber struct {
	url         string
	token       string
	collections []string
	handler     Handler
	minBackoff  time.Duration
	maxBackoff  time.Duration
	logger      Logger
	httpClient  *http.Client
}

func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidOptions)
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("%w: handler is required", ErrInvalidOptions)
	}
	minBackoff := opts.MinBackoff
	if minBackoff <= 0 {
		minBackoff = 500 * time.Millisecond
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	return &Subscriber{
		url:         url,
		token:       strings.TrimSpace(opts.Token),
		collections: append([]string(nil), opts.Collections...),
		handler:     opts.Handler,
		minBackoff:  minBackoff,
		maxBackoff:  maxBackoff,
		logger:      opts.Logger,
		httpClient:  opts.HTTPClient,
	}, nil
}

// Run blocks until ctx is done. Connection failures are logged and retried;
// they are never returned.
func (s *Subscriber) Run(ctx context.Context) error {
	backoff := s.minBackoff
	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = s.minBackoff
		}
		if err != nil {
			s.logf("notify connection to %s ended: %v", s.url, err)
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

// session runs one connection. connected reports whether the subscribe
// handshake went through, which resets the backoff.
func (s *Subscriber) session(ctx context.Context) (connected bool, err error) {
	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}
	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{
		HTTPClient: s.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.CloseNow()

	if err := wsjson.Write(ctx, conn, subscribeMessage{Type: "subscribe", Collections: s.collections}); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	s.logf("notify subscribed to %s for %d collections", s.url, len(s.collections))

	for {
		var ev Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return true, nil
			}
			return true, err
		}
		if strings.TrimSpace(ev.CollectionID) == "" {
			s.logf("notify dropped event without collection id (type=%q)", ev.Type)
			continue
		}
		s.handler(ctx, ev)
	}
}

func (s *Subscriber) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
