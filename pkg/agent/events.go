package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/veridata-exchange/exchange-engine/pkg/models"
)

// Topics carried on the agent's event socket.
const (
	TopicCredentialStateChanged  = "CredentialStateChanged"
	TopicDrpcRequestStateChanged = "DrpcRequestStateChanged"
)

// eventEnvelope is one frame on the agent's event socket.
type eventEnvelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// CredentialSink receives credential state-change notifications keyed by
// credential record id.
type CredentialSink interface {
	Emit(key string, payload models.CredentialStateChanged) error
}

// DrpcSink receives DRPC state-change notifications keyed by agent
// connection id.
type DrpcSink interface {
	Emit(key string, payload models.DrpcRequestStateChanged) error
}

// Listener consumes the agent's websocket notification stream and feeds the
// protocol dispatchers. Unknown topics are ignored. The connection is
// re-dialed with backoff for as long as the listener runs.
type Listener struct {
	url         string
	credentials CredentialSink
	drpc        DrpcSink
	logger      *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewListener creates a listener for the agent event socket at url.
func NewListener(url string, credentials CredentialSink, drpc DrpcSink, logger *zap.Logger) *Listener {
	return &Listener{
		url:         url,
		credentials: credentials,
		drpc:        drpc,
		logger:      logger.Named("agent-events"),
	}
}

// Start begins consuming events until ctx is cancelled or Stop is called.
func (l *Listener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go l.run(ctx)
}

// Stop closes the socket and waits for the read loop to exit.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

func (l *Listener) run(ctx context.Context) {
	defer l.wg.Done()

	backoff := time.Second
	for ctx.Err() == nil {
		err := l.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		l.logger.Warn("event socket closed, reconnecting",
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// consume dials the socket and reads frames until the connection drops.
func (l *Listener) consume(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, l.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")

	l.logger.Info("connected to agent event socket")

	for {
		var envelope eventEnvelope
		if err := wsjson.Read(ctx, conn, &envelope); err != nil {
			return err
		}
		l.route(envelope)
	}
}

func (l *Listener) route(envelope eventEnvelope) {
	switch envelope.Topic {
	case TopicCredentialStateChanged:
		var event models.CredentialStateChanged
		if err := json.Unmarshal(envelope.Payload, &event); err != nil {
			l.logger.Warn("malformed credential event payload", zap.Error(err))
			return
		}
		if err := l.credentials.Emit(event.Credential.ID, event); err != nil {
			l.logger.Warn("failed to dispatch credential event", zap.Error(err))
		}
	case TopicDrpcRequestStateChanged:
		var event models.DrpcRequestStateChanged
		if err := json.Unmarshal(envelope.Payload, &event); err != nil {
			l.logger.Warn("malformed drpc event payload", zap.Error(err))
			return
		}
		if err := l.drpc.Emit(event.ConnectionID, event); err != nil {
			l.logger.Warn("failed to dispatch drpc event", zap.Error(err))
		}
	default:
		// The agent emits many topics this engine does not consume.
	}
}
