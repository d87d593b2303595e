package backend

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fastjson"

	"github.com/loanpilot/formgate/pkg/config"
)

//go:generate mockery --name=EventSubscriber --dir=. --output=../../../mocks --filename=event_subscriber_mock.go --case=underscore --with-expecter

// EventSubscriber delivers newly created security events pushed by the
// backend. The returned channel closes when ctx is cancelled.
type EventSubscriber interface {
	Subscribe(ctx context.Context, minSeverity string) (<-chan SecurityEvent, error)
}

type wsSubscriber struct {
	url          string
	apiKey       string
	logger       *logrus.Logger
	retryBackoff time.Duration
	parser       fastjson.ParserPool
}

func NewWebsocketSubscriber(cfg config.BackendConfig, logger *logrus.Logger) EventSubscriber {
	return &wsSubscriber{
		url:          cfg.EventsURL,
		apiKey:       cfg.APIKey,
		logger:       logger,
		retryBackoff: time.Second,
	}
}

// Subscribe never fails on an unreachable feed: the first dial runs inside
// the same retry loop as reconnects, so a backend that is down at boot only
// delays delivery instead of leaving the bus permanently offline.
func (s *wsSubscriber) Subscribe(ctx context.Context, minSeverity string) (<-chan SecurityEvent, error) {
	out := make(chan SecurityEvent, 64)
	go s.readLoop(ctx, minSeverity, out)
	return out, nil
}

func (s *wsSubscriber) dial(ctx context.Context, minSeverity string) (*websocket.Conn, error) {
	header := http.Header{}
	if s.apiKey != "" {
		header.Set("Authorization", "Bearer "+s.apiKey)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, s.url+"?severity="+minSeverity, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// readLoop pushes events until ctx is done, dialing and re-dialing with a
// capped backoff whenever the feed is unreachable or drops.
func (s *wsSubscriber) readLoop(ctx context.Context, minSeverity string, out chan<- SecurityEvent) {
	defer close(out)

	var conn *websocket.Conn
	defer func() {
		if conn != nil {
			_ = conn.Close()
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		if conn == nil {
			conn = s.connect(ctx, minSeverity)
			if conn == nil {
				return
			}
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.WithError(err).Warn("security event feed dropped, reconnecting")
			_ = conn.Close()
			conn = nil
			continue
		}

		event, ok := s.parseEvent(data)
		if !ok {
			continue
		}

		select {
		case out <- event:
		case <-ctx.Done():
			return
		}
	}
}

// connect dials until it succeeds or the context is cancelled, doubling the
// wait up to 30s between attempts. Returns nil only on cancellation.
func (s *wsSubscriber) connect(ctx context.Context, minSeverity string) *websocket.Conn {
	backoff := s.retryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	for {
		conn, err := s.dial(ctx, minSeverity)
		if err == nil {
			return conn
		}
		s.logger.WithError(err).Warn("security event feed unreachable, retrying")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// parseEvent decodes a pushed event without allocating an intermediate map
// for the frequently-empty optional fields.
func (s *wsSubscriber) parseEvent(data []byte) (SecurityEvent, bool) {
	p := s.parser.Get()
	defer s.parser.Put(p)

	v, err := p.ParseBytes(data)
	if err != nil {
		s.logger.WithError(err).Warn("discarding malformed security event")
		return SecurityEvent{}, false
	}

	event := SecurityEvent{
		ID:       string(v.GetStringBytes("id")),
		Type:     string(v.GetStringBytes("type")),
		Severity: string(v.GetStringBytes("severity")),
		Payload:  map[string]interface{}{},
	}
	if event.ID == "" || event.Type == "" {
		return SecurityEvent{}, false
	}

	if ts := v.GetStringBytes("createdAt"); len(ts) > 0 {
		if t, err := time.Parse(time.RFC3339, string(ts)); err == nil {
			event.CreatedAt = t
		}
	}

	if payload := v.GetObject("payload"); payload != nil {
		payload.Visit(func(key []byte, value *fastjson.Value) {
			switch value.Type() {
			case fastjson.TypeString:
				event.Payload[string(key)] = string(value.GetStringBytes())
			case fastjson.TypeNumber:
				event.Payload[string(key)] = value.GetFloat64()
			case fastjson.TypeTrue:
				event.Payload[string(key)] = true
			case fastjson.TypeFalse:
				event.Payload[string(key)] = false
			default:
				event.Payload[string(key)] = value.String()
			}
		})
	}

	return event, true
}
