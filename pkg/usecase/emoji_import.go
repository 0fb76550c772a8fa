package usecase

import (
	"context"
	"errors"
	"strings"

	"github.com/secmon-lab/herald/pkg/domain/model"
	"github.com/secmon-lab/herald/pkg/domain/types"
	"github.com/secmon-lab/herald/pkg/service/emojisource"
	"github.com/secmon-lab/herald/pkg/service/rocketchat"
)

// emojiImporter uploads custom emoji. The server catalog is loaded once per
// run so names already present, or created earlier in the run, are skipped.
type emojiImporter struct {
	gateway  rocketchat.Service
	fetcher  emojisource.Fetcher
	server   string
	creds    model.Credentials
	existing map[string]struct{}
}

func newEmojiImporter(ctx context.Context, gateway rocketchat.Service, fetcher emojisource.Fetcher, server string, creds model.Credentials) (*emojiImporter, error) {
	names, err := gateway.ListCustomEmoji(ctx, server, creds)
	if err != nil {
		return nil, fatalFromGateway(err)
	}

	existing := make(map[string]struct{}, len(names))
	for _, name := range names {
		existing[name] = struct{}{}
	}
	return &emojiImporter{
		gateway:  gateway,
		fetcher:  fetcher,
		server:   server,
		creds:    creds,
		existing: existing,
	}, nil
}

var emojiExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
}

func (e *emojiImporter) process(ctx context.Context, item model.BulkItem) (model.Outcome, error) {
	name := strings.TrimSpace(item.Key)
	if _, ok := e.existing[name]; ok {
		return model.SkippedExists("emoji already exists"), nil
	}

	img, err := e.fetcher.Fetch(ctx, item.Source)
	if err != nil {
		return model.Failed(err.Error()), nil
	}

	err = e.gateway.CreateEmoji(ctx, e.server, e.creds, rocketchat.NewEmoji{
		Name:        name,
		Image:       img.Data,
		ContentType: img.ContentType,
		FileName:    name + emojiExtensions[img.ContentType],
	})
	switch {
	case err == nil:
		e.existing[name] = struct{}{}
		return model.Succeeded(types.BulkKindEmojiImport.SuccessLabel()), nil
	case errors.Is(err, rocketchat.ErrAlreadyExists):
		e.existing[name] = struct{}{}
		return model.SkippedExists("emoji already exists"), nil
	case rocketchat.IsUnauthorized(err):
		return model.Failed(rocketchat.Reason(err)), fatalFromGateway(err)
	}
	return model.Failed(rocketchat.Reason(err)), nil
}
