package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/relayreport/internal/ingest"
)

// Multi fans a notification out to every notifier and joins their errors.
type Multi []ingest.Notifier

func (m Multi) Notify(ctx context.Context, notification ingest.Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, notification); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, notifier := range m {
		if closer, ok := notifier.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Build turns a list of endpoints into one notifier. http(s) URLs get an
// HTTPNotifier, ws(s) URLs a WebsocketNotifier and "log" a LogNotifier. An
// empty list yields a NopNotifier.
func Build(endpoints []string, token string, logger zerolog.Logger) (ingest.Notifier, error) {
	var notifiers Multi
	for _, endpoint := range endpoints {
		endpoint = strings.TrimSpace(endpoint)
		if endpoint == "" {
			continue
		}
		if endpoint == "log" {
			notifiers = append(notifiers, ingest.LogNotifier{Logger: logger.With().Str("component", "notifier").Logger()})
			continue
		}
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse notifier url %q: %w", endpoint, err)
		}
		switch strings.ToLower(parsed.Scheme) {
		case "http", "https":
			notifier, err := NewHTTPNotifier(endpoint, token, nil)
			if err != nil {
				return nil, err
			}
			notifiers = append(notifiers, notifier)
		case "ws", "wss":
			notifier, err := NewWebsocketNotifier(endpoint, token, logger)
			if err != nil {
				return nil, err
			}
			notifiers = append(notifiers, notifier)
		default:
			return nil, fmt.Errorf("unsupported notifier scheme %q", parsed.Scheme)
		}
	}
	switch len(notifiers) {
	case 0:
		return ingest.NopNotifier{}, nil
	case 1:
		return notifiers[0], nil
	default:
		return notifiers, nil
	}
}
