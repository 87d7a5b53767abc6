package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const streamName = "CADRE"

// NATSSender publishes through NATS JetStream.
type NATSSender struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// ConnectNATS connects to url and ensures the event stream exists for the
// given subject prefix.
func ConnectNATS(ctx context.Context, url, prefix string) (*NATSSender, error) {
	nc, err := nats.Connect(url, nats.Name("cadre"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	subjects := []string{"agents.>", "tasks.>"}
	if prefix != "" {
		subjects = []string{prefix + ".agents.>", prefix + ".tasks.>"}
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: subjects,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &NATSSender{nc: nc, js: js}, nil
}

// Publish sends data on subject.
func (s *NATSSender) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := s.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the NATS connection.
func (s *NATSSender) Close() error {
	return s.nc.Drain()
}
