package usecase

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/secmon-lab/herald/pkg/domain/model"
	"github.com/secmon-lab/herald/pkg/domain/types"
	"github.com/secmon-lab/herald/pkg/service/rocketchat"
	"github.com/secmon-lab/herald/pkg/utils/logging"
)

const initialPasswordLength = 20

// InitialPassword derives the first password of a provisioned account.
// Users must change it at first login.
func InitialPassword(secret, login string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.ToLower(login)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))[:initialPasswordLength]
}

// userProvisioner creates accounts, assigns roles and optionally joins them to a channel
type userProvisioner struct {
	gateway     rocketchat.Service
	server      string
	creds       model.Credentials
	emailDomain string
	secret      string
	roles       []string
	channel     string
	seen        map[string]struct{}
}

func newUserProvisioner(gateway rocketchat.Service, entry *model.WorkspaceEntry, opts model.BulkOptions, creds model.Credentials) *userProvisioner {
	return &userProvisioner{
		gateway:     gateway,
		server:      entry.ServerURL,
		creds:       creds,
		emailDomain: strings.TrimPrefix(entry.EmailDomain, "@"),
		secret:      entry.ProvisioningSecret,
		roles:       opts.Roles,
		channel:     strings.TrimSpace(opts.Channel),
		seen:        make(map[string]struct{}),
	}
}

func (p *userProvisioner) process(ctx context.Context, item model.BulkItem) (model.Outcome, error) {
	login := strings.TrimSpace(item.Key)
	key := strings.ToLower(login)
	if _, dup := p.seen[key]; dup {
		return model.SkippedExists("login appears earlier in this batch"), nil
	}
	p.seen[key] = struct{}{}

	name := strings.TrimSpace(item.Source)
	if name == "" {
		name = login
	}

	user, err := p.gateway.CreateUser(ctx, p.server, p.creds, rocketchat.NewUser{
		Username:              login,
		Name:                  name,
		Email:                 key + "@" + p.emailDomain,
		Password:              InitialPassword(p.secret, login),
		Roles:                 p.roles,
		RequirePasswordChange: true,
	})
	switch {
	case errors.Is(err, rocketchat.ErrAlreadyExists):
		return model.SkippedExists("user already exists"), nil
	case rocketchat.IsUnauthorized(err):
		return model.Failed(rocketchat.Reason(err)), fatalFromGateway(err)
	case err != nil:
		return model.Failed(rocketchat.Reason(err)), nil
	}

	outcome := model.Succeeded(types.BulkKindUserProvision.SuccessLabel())
	if p.channel != "" {
		if err := p.gateway.AddUserToChannel(ctx, p.server, p.creds, p.channel, user.ID); err != nil {
			logging.From(ctx).Warn("user created but not added to channel",
				"login", login, "channel", p.channel, "error", err.Error())
			outcome.Reason = "created, but not added to " + p.channel + ": " + rocketchat.Reason(err)
		}
	}
	return outcome, nil
}
