package middleware

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/petal-labs/conduit/core"
)

// Logging observes calls without modifying them: one entry on dispatch,
// one on completion with duration and outcome. Message content is never
// logged; only shapes and identifiers.
type Logging struct {
	log *logrus.Logger
}

// NewLogging creates the logging middleware. A nil logger uses the
// logrus standard logger.
func NewLogging(log *logrus.Logger) *Logging {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Logging{log: log}
}

// Name implements core.Middleware.
func (l *Logging) Name() string { return "logging" }

func (l *Logging) fields(req *core.ChatRequest) logrus.Fields {
	return logrus.Fields{
		"request_id": req.Metadata.RequestID,
		"messages":   len(req.Messages),
		"model":      req.Model(),
		"tools":      len(req.Tools),
	}
}

// WrapChat implements core.Middleware.
func (l *Logging) WrapChat(next core.ChatHandler) core.ChatHandler {
	return func(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
		start := time.Now()
		l.log.WithFields(l.fields(req)).Debug("chat dispatch")

		resp, err := next(ctx, req)
		entry := l.log.WithFields(l.fields(req)).WithField("duration", time.Since(start))
		if err != nil {
			entry.WithField("kind", core.KindOf(err)).WithError(err).Warn("chat failed")
			return nil, err
		}
		entry.WithField("finish_reason", resp.FinishReason).Info("chat completed")
		return resp, nil
	}
}

// WrapStream implements core.Middleware.
func (l *Logging) WrapStream(next core.StreamHandler) core.StreamHandler {
	return func(ctx context.Context, req *core.ChatRequest) (*core.ChatStream, error) {
		start := time.Now()
		l.log.WithFields(l.fields(req)).Debug("stream dispatch")

		inner, err := next(ctx, req)
		if err != nil {
			l.log.WithFields(l.fields(req)).
				WithField("kind", core.KindOf(err)).WithError(err).Warn("stream failed")
			return nil, err
		}

		// Observe the stream without re-sequencing: chunks pass through
		// untouched, only the terminal outcome is logged.
		ch := make(chan core.StreamChunk, 16)
		out := &core.ChatStream{C: ch}
		out.SetCancel(inner.Cancel)
		go func() {
			defer close(ch)
			chunks := 0
			for chunk := range inner.C {
				chunks++
				if chunk.Terminal() {
					entry := l.log.WithFields(l.fields(req)).
						WithField("duration", time.Since(start)).
						WithField("chunks", chunks)
					if chunk.Type == core.ChunkError {
						entry.WithField("kind", chunk.Err.Kind).Warn("stream errored")
					} else {
						entry.WithField("finish_reason", chunk.FinishReason).Info("stream completed")
					}
				}
				ch <- chunk
			}
		}()
		return out, nil
	}
}
