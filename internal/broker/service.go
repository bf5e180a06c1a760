package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/openquant/brokerlink/internal/audit"
	"github.com/openquant/brokerlink/internal/mail"
	"github.com/openquant/brokerlink/internal/store"
	"github.com/openquant/brokerlink/internal/vault"
	"github.com/openquant/brokerlink/model"
	"github.com/openquant/brokerlink/params"
)

// RequestMeta carries caller context into audit entries.
type RequestMeta struct {
	IP        string
	UserAgent string
}

type InitiateRequest struct {
	UserID         string
	APIKey         string
	APISecret      string
	RedirectTarget string
	NotifyEmail    string
	Meta           RequestMeta
}

type InitiateResult struct {
	ConfigID         uint64
	State            string
	AuthorizationURL string
}

type CompleteRequest struct {
	ConfigID uint64
	State    string
	Code     string
	Meta     RequestMeta
}

// LinkIdentity is the minimal identity summary returned after a
// successful exchange. Tokens are never part of it.
type LinkIdentity struct {
	BrokerUserID   string
	BrokerUserType string
}

type Status struct {
	ConfigID          uint64
	ConnectionState   model.ConnectionState
	LastStatusMessage string
	LastCheckedAt     time.Time
	TokenPresent      bool
	TokenExpired      bool
}

type ServiceConfig struct {
	BrokerName string
	ConnectURL string // brokerage login endpoint the user is redirected to
}

// Service orchestrates the brokerage link lifecycle. All mutations of a
// single config are serialized through per-key locks; cross-process
// writers are resolved by the token version check.
type Service struct {
	cfg      ServiceConfig
	store    Store
	vault    *vault.Vault
	client   BrokerageClient
	attempts store.Store[int64] // nil disables setup attempt limiting
	mailer   mail.MailSender
	locks    sync.Map
}

func NewService(cfg ServiceConfig, st Store, v *vault.Vault, client BrokerageClient, cacheStorage store.Storage, mailSender mail.MailSender) *Service {
	var attempts store.Store[int64]
	if cacheStorage != nil {
		attempts = store.New[int64](cacheStorage, params.AttemptKeyPrefix)
	}
	if mailSender == nil {
		mailSender = mail.NullSender{}
	}
	return &Service{
		cfg:      cfg,
		store:    st,
		vault:    v,
		client:   client,
		attempts: attempts,
		mailer:   mailSender,
	}
}

func (s *Service) lock(key string) func() {
	v, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Service) lockConfig(configID uint64) func() {
	return s.lock("c:" + strconv.FormatUint(configID, 10))
}

func truncateStatus(msg string) string {
	if len(msg) > params.StatusMessageMaxLength {
		return msg[:params.StatusMessageMaxLength]
	}
	return msg
}

func (s *Service) setFailure(ctx context.Context, cfg *model.BrokerConfig, msg string) {
	cfg.ConnectionState = model.StateError
	cfg.PendingAuthState = ""
	cfg.LastStatusMessage = truncateStatus(msg)
	cfg.LastCheckedAt = time.Now()
	if err := s.store.Configs().Update(ctx, cfg); err != nil {
		slog.Error("Failed to persist error state", "configId", cfg.ID, "error", err)
	}
}

func (s *Service) checkAttempts(ctx context.Context, userID string) error {
	if s.attempts == nil {
		return nil
	}
	count, err := s.attempts.Incr(ctx, userID, 1, params.SetupAttemptCooldown)
	if err != nil {
		// the limiter is advisory, never block setup on cache trouble
		slog.Warn("Setup attempt counter unavailable", "error", err)
		return nil
	}
	if count > params.SetupMaxAttempts {
		return ErrTooManyAttempts
	}
	return nil
}

// InitiateAuthorization starts (or restarts) the link flow for a user.
// Any previous in-flight authorization state is superseded, and a
// credential change invalidates the stored token pair.
func (s *Service) InitiateAuthorization(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if req.UserID == "" || req.APIKey == "" || req.APISecret == "" || req.RedirectTarget == "" {
		return nil, fmt.Errorf("%w: userId, apiKey, apiSecret and redirectTarget are required", ErrValidation)
	}
	userID := NormalizeUserID(req.UserID)

	if err := s.checkAttempts(ctx, userID); err != nil {
		audit.Record(ctx, audit.Entry{
			UserID: userID, Action: audit.ActionFailedInitiate, Status: audit.StatusFailure,
			Detail: "setup attempt limit exceeded", IP: req.Meta.IP, UserAgent: req.Meta.UserAgent,
		})
		return nil, err
	}

	unlock := s.lock("u:" + userID + ":" + s.cfg.BrokerName)
	defer unlock()

	newConfig := false
	cfg, err := s.store.Configs().GetByUser(ctx, userID, s.cfg.BrokerName)
	switch {
	case errors.Is(err, ErrNotFound):
		newConfig = true
		cfg = &model.BrokerConfig{
			ID:         model.GenerateID(),
			UserID:     userID,
			BrokerName: s.cfg.BrokerName,
		}
	case err != nil:
		return nil, s.failInitiate(ctx, userID, 0, req.Meta, "config lookup failed", err)
	}

	credChanged := false
	if !newConfig {
		prevSecret, derr := s.vault.Decrypt(cfg.APISecretEncrypted)
		if derr != nil {
			// undecryptable stored secret is replaced, not trusted
			slog.Error("Stored API secret failed integrity check, rotating", "configId", cfg.ID)
			credChanged = true
		} else {
			credChanged = cfg.APIKey != req.APIKey || !vault.ConstantTimeEquals(prevSecret, req.APISecret)
		}
	}

	encSecret, err := s.vault.Encrypt(req.APISecret)
	if err != nil {
		return nil, s.failInitiate(ctx, userID, cfg.ID, req.Meta, "secret encryption failed", err)
	}
	state, err := vault.GenerateAuthState(params.AuthStateLength)
	if err != nil {
		return nil, s.failInitiate(ctx, userID, cfg.ID, req.Meta, "state generation failed", err)
	}

	cfg.APIKey = req.APIKey
	cfg.APISecretEncrypted = encSecret
	cfg.PendingAuthState = state
	cfg.ConnectionState = model.StateConnecting
	cfg.LastStatusMessage = "authorization in progress"
	cfg.LastCheckedAt = time.Now()
	if req.NotifyEmail != "" {
		cfg.NotifyEmail = req.NotifyEmail
	}

	err = s.store.Transaction(ctx, func(tx Store) error {
		if credChanged {
			// tokens minted under the previous secret must not survive
			if err := tx.Tokens().DeleteByConfigID(ctx, cfg.ID); err != nil {
				return err
			}
		}
		if newConfig {
			return tx.Configs().Create(ctx, cfg)
		}
		return tx.Configs().Update(ctx, cfg)
	})
	if errors.Is(err, ErrConflict) {
		s.failInitiate(ctx, userID, cfg.ID, req.Meta, "concurrent setup conflict", err)
		return nil, fmt.Errorf("%w: another setup for this user is in progress, retry", ErrConflict)
	}
	if err != nil {
		return nil, s.failInitiate(ctx, userID, cfg.ID, req.Meta, "config persist failed", err)
	}

	detail := "authorization initiated"
	if credChanged {
		detail = "authorization initiated, credentials rotated"
	}
	audit.Record(ctx, audit.Entry{
		ConfigID: cfg.ID, UserID: userID, Action: audit.ActionSetupInitiated,
		Status: audit.StatusSuccess, Detail: detail, IP: req.Meta.IP, UserAgent: req.Meta.UserAgent,
	})

	return &InitiateResult{
		ConfigID:         cfg.ID,
		State:            state,
		AuthorizationURL: s.buildAuthorizationURL(cfg.APIKey, state, req.RedirectTarget),
	}, nil
}

func (s *Service) failInitiate(ctx context.Context, userID string, configID uint64, meta RequestMeta, detail string, err error) error {
	slog.Error("Initiate authorization failed", "userId", userID, "detail", detail, "error", err)
	audit.Record(ctx, audit.Entry{
		ConfigID: configID, UserID: userID, Action: audit.ActionFailedInitiate,
		Status: audit.StatusFailure, Detail: detail, IP: meta.IP, UserAgent: meta.UserAgent,
	})
	// the underlying error may reference secret material, so the
	// caller-facing message stays generic
	return errors.New("could not start brokerage authorization")
}

func (s *Service) buildAuthorizationURL(apiKey, state, redirectTarget string) string {
	u, err := url.Parse(s.cfg.ConnectURL)
	if err != nil {
		return s.cfg.ConnectURL
	}
	q := u.Query()
	q.Set("clientId", apiKey)
	q.Set("state", state)
	q.Set("redirect", redirectTarget)
	u.RawQuery = q.Encode()
	return u.String()
}

// CompleteAuthorization verifies the callback state and exchanges the
// authorization code. The code is single-use: on exchange failure the
// caller must re-initiate, not retry.
func (s *Service) CompleteAuthorization(ctx context.Context, req CompleteRequest) (*LinkIdentity, error) {
	if req.State == "" || req.Code == "" {
		return nil, fmt.Errorf("%w: state and authorizationCode are required", ErrValidation)
	}

	unlock := s.lockConfig(req.ConfigID)
	defer unlock()

	cfg, err := s.store.Configs().GetByID(ctx, req.ConfigID)
	if err != nil {
		return nil, err
	}

	if cfg.PendingAuthState == "" || !vault.ConstantTimeEquals(cfg.PendingAuthState, req.State) {
		// CSRF defense: a forged callback must not move the state
		// machine, only leave a trace
		audit.Record(ctx, audit.Entry{
			ConfigID: cfg.ID, UserID: cfg.UserID, Action: audit.ActionFailedCallback,
			Status: audit.StatusFailure, Detail: "authorization state mismatch",
			IP: req.Meta.IP, UserAgent: req.Meta.UserAgent,
		})
		return nil, ErrInvalidState
	}
	audit.Record(ctx, audit.Entry{
		ConfigID: cfg.ID, UserID: cfg.UserID, Action: audit.ActionCallbackVerified,
		Status: audit.StatusSuccess, IP: req.Meta.IP, UserAgent: req.Meta.UserAgent,
	})

	apiSecret, err := s.vault.Decrypt(cfg.APISecretEncrypted)
	if err != nil {
		s.setFailure(ctx, cfg, "stored credentials failed integrity check")
		audit.Record(ctx, audit.Entry{
			ConfigID: cfg.ID, UserID: cfg.UserID, Action: audit.ActionFailedCallback,
			Status: audit.StatusFailure, Detail: "secret integrity check failed",
			IP: req.Meta.IP, UserAgent: req.Meta.UserAgent,
		})
		return nil, err
	}

	pair, err := s.client.ExchangeCode(ctx, cfg.APIKey, apiSecret, req.Code)
	if err != nil {
		slog.Error("Authorization code exchange failed", "configId", cfg.ID, "error", err)
		s.setFailure(ctx, cfg, "authorization code exchange failed")
		audit.Record(ctx, audit.Entry{
			ConfigID: cfg.ID, UserID: cfg.UserID, Action: audit.ActionFailedExchange,
			Status: audit.StatusFailure, Detail: "code exchange rejected by brokerage",
			IP: req.Meta.IP, UserAgent: req.Meta.UserAgent,
		})
		return nil, fmt.Errorf("%w: re-initiate authorization to obtain a new code", ErrExchange)
	}

	token, err := s.sealTokenPair(cfg.ID, pair)
	if err != nil {
		s.setFailure(ctx, cfg, "token encryption failed")
		return nil, err
	}

	cfg.ConnectionState = model.StateConnected
	cfg.PendingAuthState = ""
	cfg.LastStatusMessage = "connected"
	cfg.LastCheckedAt = time.Now()

	err = s.store.Transaction(ctx, func(tx Store) error {
		if err := tx.Tokens().DeleteByConfigID(ctx, cfg.ID); err != nil {
			return err
		}
		if err := tx.Tokens().Create(ctx, token); err != nil {
			return err
		}
		return tx.Configs().Update(ctx, cfg)
	})
	if err != nil {
		slog.Error("Failed to persist exchanged tokens", "configId", cfg.ID, "error", err)
		s.setFailure(ctx, cfg, "token persist failed")
		audit.Record(ctx, audit.Entry{
			ConfigID: cfg.ID, UserID: cfg.UserID, Action: audit.ActionFailedExchange,
			Status: audit.StatusFailure, Detail: "token persist failed",
			IP: req.Meta.IP, UserAgent: req.Meta.UserAgent,
		})
		return nil, fmt.Errorf("%w: re-initiate authorization to obtain a new code", ErrExchange)
	}

	audit.Record(ctx, audit.Entry{
		ConfigID: cfg.ID, UserID: cfg.UserID, Action: audit.ActionTokenExchanged,
		Status: audit.StatusSuccess, IP: req.Meta.IP, UserAgent: req.Meta.UserAgent,
	})
	mail.SendLinkedNotice(s.mailer, cfg.NotifyEmail, s.cfg.BrokerName)

	return &LinkIdentity{
		BrokerUserID:   pair.BrokerUserID,
		BrokerUserType: pair.BrokerUserType,
	}, nil
}

func (s *Service) sealTokenPair(configID uint64, pair *TokenPair) (*model.BrokerToken, error) {
	encAccess, err := s.vault.Encrypt(pair.AccessToken)
	if err != nil {
		return nil, err
	}
	encRefresh, err := s.vault.Encrypt(pair.RefreshToken)
	if err != nil {
		return nil, err
	}
	ttl := pair.ExpiresIn
	if ttl <= 0 {
		ttl = params.DefaultTokenTTL
	}
	tokenType := pair.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &model.BrokerToken{
		ID:                    model.GenerateID(),
		ConfigID:              configID,
		AccessTokenEncrypted:  encAccess,
		RefreshTokenEncrypted: encRefresh,
		TokenType:             tokenType,
		ExpiresAt:             vault.ComputeExpiry(ttl, params.TokenRefreshBuffer),
		BrokerUserID:          pair.BrokerUserID,
		BrokerUserType:        pair.BrokerUserType,
		Version:               1,
	}, nil
}

// RefreshTokens renews the token pair. A lost race against a concurrent
// refresh resolves to the already-fresh status, not an error; the old
// token row is kept on brokerage failure since the access token may
// still be valid for a grace period.
func (s *Service) RefreshTokens(ctx context.Context, configID uint64, meta RequestMeta) (*Status, error) {
	unlock := s.lockConfig(configID)
	defer unlock()

	cfg, err := s.store.Configs().GetByID(ctx, configID)
	if err != nil {
		return nil, err
	}
	token, err := s.store.Tokens().GetByConfigID(ctx, configID)
	if err != nil {
		return nil, err
	}

	apiSecret, err := s.vault.Decrypt(cfg.APISecretEncrypted)
	if err == nil {
		var refreshToken string
		refreshToken, err = s.vault.Decrypt(token.RefreshTokenEncrypted)
		if err == nil {
			return s.renewAndStore(ctx, cfg, token, apiSecret, refreshToken, meta)
		}
	}

	s.setFailure(ctx, cfg, "stored credentials failed integrity check")
	audit.Record(ctx, audit.Entry{
		ConfigID: cfg.ID, UserID: cfg.UserID, Action: audit.ActionFailedRefresh,
		Status: audit.StatusFailure, Detail: "secret integrity check failed",
		IP: meta.IP, UserAgent: meta.UserAgent,
	})
	return nil, err
}

func (s *Service) renewAndStore(ctx context.Context, cfg *model.BrokerConfig, token *model.BrokerToken, apiSecret, refreshToken string, meta RequestMeta) (*Status, error) {
	pair, err := s.client.Renew(ctx, cfg.APIKey, apiSecret, refreshToken)
	if err != nil {
		slog.Error("Token renewal failed", "configId", cfg.ID, "error", err)
		s.setFailure(ctx, cfg, "token renewal failed")
		audit.Record(ctx, audit.Entry{
			ConfigID: cfg.ID, UserID: cfg.UserID, Action: audit.ActionFailedRefresh,
			Status: audit.StatusFailure, Detail: "renewal rejected by brokerage",
			IP: meta.IP, UserAgent: meta.UserAgent,
		})
		return nil, fmt.Errorf("%w: refresh may be retried", ErrExchange)
	}

	fresh, err := s.sealTokenPair(cfg.ID, pair)
	if err != nil {
		s.setFailure(ctx, cfg, "token encryption failed")
		return nil, err
	}
	if fresh.BrokerUserID == "" {
		fresh.BrokerUserID = token.BrokerUserID
		fresh.BrokerUserType = token.BrokerUserType
	}
	fresh.ID = token.ID

	err = s.store.Tokens().Update(ctx, fresh, token.Version)
	if errors.Is(err, ErrConflict) {
		// another writer stored a fresher pair first; theirs wins
		slog.Debug("Discarding redundant refresh result", "configId", cfg.ID)
		return s.statusOf(ctx, cfg)
	}
	if err != nil {
		s.setFailure(ctx, cfg, "token persist failed")
		audit.Record(ctx, audit.Entry{
			ConfigID: cfg.ID, UserID: cfg.UserID, Action: audit.ActionFailedRefresh,
			Status: audit.StatusFailure, Detail: "token persist failed",
			IP: meta.IP, UserAgent: meta.UserAgent,
		})
		return nil, fmt.Errorf("%w: refresh may be retried", ErrExchange)
	}

	cfg.ConnectionState = model.StateConnected
	cfg.LastStatusMessage = "connected"
	cfg.LastCheckedAt = time.Now()
	if err := s.store.Configs().Update(ctx, cfg); err != nil {
		slog.Error("Failed to persist refreshed state", "configId", cfg.ID, "error", err)
	}
	audit.Record(ctx, audit.Entry{
		ConfigID: cfg.ID, UserID: cfg.UserID, Action: audit.ActionTokenRefreshed,
		Status: audit.StatusSuccess, IP: meta.IP, UserAgent: meta.UserAgent,
	})
	return s.statusOf(ctx, cfg)
}

// Disconnect revokes the session best-effort and always tears down the
// local link. It is idempotent.
func (s *Service) Disconnect(ctx context.Context, configID uint64, meta RequestMeta) error {
	unlock := s.lockConfig(configID)
	defer unlock()

	cfg, err := s.store.Configs().GetByID(ctx, configID)
	if err != nil {
		return err
	}

	detail := "disconnected"
	if token, terr := s.store.Tokens().GetByConfigID(ctx, configID); terr == nil {
		if rerr := s.revokeSession(ctx, cfg, token); rerr != nil {
			slog.Warn("Advisory session revocation failed", "configId", cfg.ID, "error", rerr)
			detail = "disconnected, brokerage revocation failed"
		}
	}

	cfg.ConnectionState = model.StateDisconnected
	cfg.PendingAuthState = ""
	cfg.LastStatusMessage = "disconnected"
	cfg.LastCheckedAt = time.Now()

	err = s.store.Transaction(ctx, func(tx Store) error {
		if err := tx.Tokens().DeleteByConfigID(ctx, cfg.ID); err != nil {
			return err
		}
		return tx.Configs().Update(ctx, cfg)
	})
	if err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}

	audit.Record(ctx, audit.Entry{
		ConfigID: cfg.ID, UserID: cfg.UserID, Action: audit.ActionDisconnected,
		Status: audit.StatusSuccess, Detail: detail, IP: meta.IP, UserAgent: meta.UserAgent,
	})
	mail.SendDisconnectedNotice(s.mailer, cfg.NotifyEmail, s.cfg.BrokerName)
	return nil
}

func (s *Service) revokeSession(ctx context.Context, cfg *model.BrokerConfig, token *model.BrokerToken) error {
	apiSecret, err := s.vault.Decrypt(cfg.APISecretEncrypted)
	if err != nil {
		return err
	}
	accessToken, err := s.vault.Decrypt(token.AccessTokenEncrypted)
	if err != nil {
		return err
	}
	return s.client.Revoke(ctx, cfg.APIKey, apiSecret, accessToken)
}

// GetStatus reports the connection state for a config. A missing config
// is indistinguishable from never-connected and yields a disconnected
// status rather than an error.
func (s *Service) GetStatus(ctx context.Context, configID uint64) (*Status, error) {
	cfg, err := s.store.Configs().GetByID(ctx, configID)
	if errors.Is(err, ErrNotFound) {
		return &Status{ConfigID: configID, ConnectionState: model.StateDisconnected}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.statusOf(ctx, cfg)
}

// GetStatusByUser resolves the config through the canonicalized user id.
func (s *Service) GetStatusByUser(ctx context.Context, rawUserID string) (*Status, error) {
	userID := NormalizeUserID(rawUserID)
	cfg, err := s.store.Configs().GetByUser(ctx, userID, s.cfg.BrokerName)
	if errors.Is(err, ErrNotFound) {
		return &Status{ConnectionState: model.StateDisconnected}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.statusOf(ctx, cfg)
}

func (s *Service) statusOf(ctx context.Context, cfg *model.BrokerConfig) (*Status, error) {
	status := &Status{
		ConfigID:          cfg.ID,
		ConnectionState:   cfg.ConnectionState,
		LastStatusMessage: cfg.LastStatusMessage,
		LastCheckedAt:     cfg.LastCheckedAt,
	}
	token, err := s.store.Tokens().GetByConfigID(ctx, cfg.ID)
	if err == nil {
		status.TokenPresent = true
		status.TokenExpired = vault.IsExpired(token.ExpiresAt)
	} else if !errors.Is(err, ErrTokenNotFound) {
		return nil, err
	}
	return status, nil
}

// AccessCredential hands the decrypted access token to in-process
// collaborators (portfolio sync, order placement), refreshing first
// when expiry is near. It must never be exposed over HTTP.
func (s *Service) AccessCredential(ctx context.Context, configID uint64) (string, error) {
	token, err := s.store.Tokens().GetByConfigID(ctx, configID)
	if err != nil {
		return "", err
	}
	if vault.WithinRefreshWindow(token.ExpiresAt, time.Minute) {
		if _, err := s.RefreshTokens(ctx, configID, RequestMeta{}); err != nil {
			return "", err
		}
		if token, err = s.store.Tokens().GetByConfigID(ctx, configID); err != nil {
			return "", err
		}
	}
	return s.vault.Decrypt(token.AccessTokenEncrypted)
}
