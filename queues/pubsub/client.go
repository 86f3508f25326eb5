package pubsub

import (
	"context"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

func newClient(ctx context.Context, projectID, credsFile, role string) (*gpubsub.Client, error) {
	var (
		client *gpubsub.Client
		err    error
	)
	if credsFile != "" {
		log.Debug().Str("projectID", projectID).Str("credsFile", credsFile).Msgf("initializing pubsub %s with explicit credentials", role)
		client, err = gpubsub.NewClient(ctx, projectID, option.WithCredentialsFile(credsFile))
	} else {
		log.Debug().Str("projectID", projectID).Msgf("initializing pubsub %s with default credentials", role)
		client, err = gpubsub.NewClient(ctx, projectID)
	}
	if err != nil {
		log.Error().Err(err).Str("projectID", projectID).Msgf("failed to create pubsub client for %s", role)
		return nil, err
	}
	return client, nil
}
