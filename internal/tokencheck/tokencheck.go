package tokencheck

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/botcraft/botcraft/internal/domain"
	"github.com/botcraft/botcraft/internal/metrics"
	"github.com/botcraft/botcraft/pkg/cache"
	"github.com/botcraft/botcraft/pkg/logger"
)

// Reason explains why a credential was not accepted.
type Reason string

const (
	ReasonInvalidFormat Reason = "invalid_format"
	ReasonRejected      Reason = "rejected_by_platform"
	ReasonNetwork       Reason = "network_error"
)

// DefaultBaseURL is the public Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

var tokenPattern = regexp.MustCompile(`^[0-9]{3,20}:[A-Za-z0-9_-]{30,64}$`)

// Result of a credential check. Valid implies Identity != nil.
type Result struct {
	Valid    bool
	Identity *domain.PlatformIdentity
	Reason   Reason
	Detail   string
}

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	RetryCount int
	CacheTTL   time.Duration
}

// Validator looks a credential up with getMe. It never returns an error:
// every failure is a Result with a Reason.
type Validator struct {
	client *resty.Client
	cache  *cache.InMemoryCache[string, domain.PlatformIdentity]
	log    *logrus.Entry
}

func New(opts Options) *Validator {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	client := resty.New().
		SetBaseURL(base).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "botcraft-controlplane")
	return &Validator{
		client: client,
		cache:  cache.NewInMemoryCache[string, domain.PlatformIdentity](opts.CacheTTL),
		log:    logger.Component("tokencheck"),
	}
}

// Validate checks credential against the platform.
func (v *Validator) Validate(ctx context.Context, credential string) Result {
	credential = strings.TrimSpace(credential)
	if !tokenPattern.MatchString(credential) {
		return Result{Reason: ReasonInvalidFormat, Detail: "credential is not a bot token"}
	}
	key := cacheKey(credential)
	if id, ok := v.cache.Get(key); ok {
		metrics.TokenCacheHits.Add(1)
		return Result{Valid: true, Identity: &id}
	}
	metrics.TokenChecks.Add(1)

	log := v.log.WithField("bot_user_id", botUserID(credential))
	id, reason, err := v.lookup(ctx, credential)
	if err != nil {
		log.WithField("reason", reason).Warnf("credential check failed: %v", err)
		return Result{Reason: reason, Detail: err.Error()}
	}
	v.cache.Set(key, *id, 0)
	log.WithField("username", id.Username).Debug("credential accepted")
	return Result{Valid: true, Identity: id}
}

// Forget drops a cached identity, e.g. after the platform starts rejecting it.
func (v *Validator) Forget(credential string) {
	v.cache.Delete(cacheKey(strings.TrimSpace(credential)))
}

// SweepCache drops expired identities.
func (v *Validator) SweepCache() int {
	return v.cache.Sweep()
}

func (v *Validator) lookup(ctx context.Context, credential string) (*domain.PlatformIdentity, Reason, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := v.client.R().SetContext(ctx).Get("/bot" + credential + "/getMe")
	if err != nil {
		// resty errors carry the URL, which contains the token
		return nil, ReasonNetwork, errors.New(redact(err.Error(), credential))
	}

	var apiResp tgbotapi.APIResponse
	if err := json.Unmarshal(resp.Body(), &apiResp); err != nil {
		return nil, ReasonNetwork, errors.Errorf("malformed response (http %d)", resp.StatusCode())
	}
	if !apiResp.Ok {
		status := resp.StatusCode()
		if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
			return nil, ReasonNetwork, errors.Errorf("platform unavailable (http %d): %s", status, apiResp.Description)
		}
		return nil, ReasonRejected, errors.Errorf("platform rejected credential: %s", apiResp.Description)
	}

	var user tgbotapi.User
	if err := json.Unmarshal(apiResp.Result, &user); err != nil {
		return nil, ReasonNetwork, errors.Wrap(err, "malformed getMe result")
	}
	if user.ID == 0 {
		return nil, ReasonNetwork, errors.New("malformed getMe result: missing id")
	}
	if !user.IsBot {
		return nil, ReasonRejected, errors.New("credential does not belong to a bot")
	}
	return &domain.PlatformIdentity{
		ID:                    user.ID,
		Username:              user.UserName,
		FirstName:             user.FirstName,
		CanJoinGroups:         user.CanJoinGroups,
		SupportsInlineQueries: user.SupportsInlineQueries,
	}, "", nil
}

func cacheKey(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// botUserID is the public numeric prefix of a token, safe to log.
func botUserID(credential string) string {
	if i := strings.IndexByte(credential, ':'); i > 0 {
		return credential[:i]
	}
	return ""
}

func redact(s, credential string) string {
	if credential == "" {
		return s
	}
	return strings.ReplaceAll(s, credential, botUserID(credential)+":***")
}
