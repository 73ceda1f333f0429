package control

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/rolegroup/internal/config"
)

const connectRetries = 5

// Connect opens a NATS connection, retrying with a growing delay
func Connect(cfg config.NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	var err error
	for i := 0; i < connectRetries; i++ {
		nc, err = nats.Connect(cfg.URL, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", connectRetries, err)
	}

	logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

// SetupStreams creates or updates the JetStream streams for events,
// resource samples and alerts
func SetupStreams(js nats.JetStreamContext, logger *zap.Logger) error {
	streams := []struct {
		name     string
		subjects []string
		maxAge   time.Duration
	}{
		{
			name:     EventStream,
			subjects: []string{subjectPrefix + ".event.>"},
			maxAge:   7 * 24 * time.Hour,
		},
		{
			name:     StatsStream,
			subjects: []string{subjectPrefix + ".stats.>"},
			maxAge:   24 * time.Hour,
		},
		{
			name:     AlertStream,
			subjects: []string{subjectPrefix + ".alert.>"},
			maxAge:   30 * 24 * time.Hour,
		},
	}

	for _, stream := range streams {
		streamInfo, err := js.StreamInfo(stream.name)
		if err != nil && err != nats.ErrStreamNotFound {
			return fmt.Errorf("failed to get stream info: %w", err)
		}

		if streamInfo == nil {
			_, err = js.AddStream(&nats.StreamConfig{
				Name:       stream.name,
				Subjects:   stream.subjects,
				Retention:  nats.LimitsPolicy,
				MaxAge:     stream.maxAge,
				MaxMsgs:    -1,
				MaxBytes:   -1,
				Discard:    nats.DiscardOld,
				MaxMsgSize: 1 * 1024 * 1024,
				Storage:    nats.FileStorage,
				Replicas:   1,
				Duplicates: time.Hour,
			})
			if err != nil {
				return fmt.Errorf("failed to create stream %s: %w", stream.name, err)
			}
			logger.Info("Created stream", zap.String("name", stream.name))
			continue
		}

		cfg := streamInfo.Config
		cfg.Subjects = stream.subjects
		cfg.MaxAge = stream.maxAge
		if _, err := js.UpdateStream(&cfg); err != nil {
			return fmt.Errorf("failed to update stream %s: %w", stream.name, err)
		}
		logger.Info("Updated stream", zap.String("name", stream.name))
	}
	return nil
}
