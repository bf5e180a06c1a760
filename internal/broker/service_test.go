package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openquant/brokerlink/internal/audit"
	"github.com/openquant/brokerlink/internal/store"
	"github.com/openquant/brokerlink/internal/vault"
	"github.com/openquant/brokerlink/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	audit.Initialize(audit.NewMemoryAuditEventRepository())
}

// stubClient counts calls and mints a distinct token pair per call.
type stubClient struct {
	mu           sync.Mutex
	exchanges    int32
	renewals     int32
	revokes      int32
	failExchange bool
	failRenew    bool
	failRevoke   bool
	lastSecret   string
}

func (c *stubClient) ExchangeCode(ctx context.Context, apiKey, apiSecret, code string) (*TokenPair, error) {
	n := atomic.AddInt32(&c.exchanges, 1)
	c.mu.Lock()
	c.lastSecret = apiSecret
	fail := c.failExchange
	c.mu.Unlock()
	if fail {
		return nil, errors.New("brokerage rejected code")
	}
	return &TokenPair{
		AccessToken:    fmt.Sprintf("access-%d", n),
		RefreshToken:   fmt.Sprintf("refresh-%d", n),
		TokenType:      "Bearer",
		ExpiresIn:      3600,
		BrokerUserID:   "bu-1",
		BrokerUserType: "individual",
	}, nil
}

func (c *stubClient) Renew(ctx context.Context, apiKey, apiSecret, refreshToken string) (*TokenPair, error) {
	n := atomic.AddInt32(&c.renewals, 1)
	c.mu.Lock()
	fail := c.failRenew
	c.mu.Unlock()
	if fail {
		return nil, errors.New("brokerage rejected refresh token")
	}
	return &TokenPair{
		AccessToken:  fmt.Sprintf("renewed-access-%d", n),
		RefreshToken: fmt.Sprintf("renewed-refresh-%d", n),
		TokenType:    "Bearer",
		ExpiresIn:    3600,
	}, nil
}

func (c *stubClient) Revoke(ctx context.Context, apiKey, apiSecret, accessToken string) error {
	atomic.AddInt32(&c.revokes, 1)
	if c.failRevoke {
		return errors.New("revocation endpoint unavailable")
	}
	return nil
}

type fixture struct {
	svc    *Service
	store  *MemoryStore
	client *stubClient
	vault  *vault.Vault
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	v, err := vault.New("service-test-key", false)
	require.NoError(t, err)
	st := NewMemoryStore()
	client := &stubClient{}
	svc := NewService(ServiceConfig{
		BrokerName: "snaptrade",
		ConnectURL: "https://broker.example.com/connect",
	}, st, v, client, store.NewMemoryStorage(), nil)
	return &fixture{svc: svc, store: st, client: client, vault: v}
}

func (f *fixture) initiate(t *testing.T, userID, key, secret string) *InitiateResult {
	t.Helper()
	res, err := f.svc.InitiateAuthorization(context.Background(), InitiateRequest{
		UserID:         userID,
		APIKey:         key,
		APISecret:      secret,
		RedirectTarget: "https://app.example.com/cb",
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) connect(t *testing.T, userID string) *InitiateResult {
	t.Helper()
	res := f.initiate(t, userID, "K", "S")
	_, err := f.svc.CompleteAuthorization(context.Background(), CompleteRequest{
		ConfigID: res.ConfigID,
		State:    res.State,
		Code:     "code123",
	})
	require.NoError(t, err)
	return res
}

func TestInitiateAuthorization(t *testing.T) {
	f := newFixture(t)
	res := f.initiate(t, "u1", "K", "plaintext-api-secret")

	assert.NotZero(t, res.ConfigID)
	assert.Len(t, res.State, 32)

	u, err := url.Parse(res.AuthorizationURL)
	require.NoError(t, err)
	assert.Equal(t, "broker.example.com", u.Host)
	assert.Equal(t, "K", u.Query().Get("clientId"))
	assert.Equal(t, res.State, u.Query().Get("state"))
	assert.Equal(t, "https://app.example.com/cb", u.Query().Get("redirect"))
	assert.NotContains(t, res.AuthorizationURL, "plaintext-api-secret", "secret must not leak into the URL")

	cfg, err := f.store.Configs().GetByID(context.Background(), res.ConfigID)
	require.NoError(t, err)
	assert.Equal(t, model.StateConnecting, cfg.ConnectionState)
	assert.Equal(t, res.State, cfg.PendingAuthState)
	assert.NotContains(t, cfg.APISecretEncrypted, "plaintext-api-secret")

	secret, err := f.vault.Decrypt(cfg.APISecretEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "plaintext-api-secret", secret)
}

func TestInitiateValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.InitiateAuthorization(context.Background(), InitiateRequest{UserID: "u1"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestInitiateReusesConfigPerUser(t *testing.T) {
	f := newFixture(t)
	first := f.initiate(t, "u1", "K", "S")
	second := f.initiate(t, "u1", "K", "S")
	assert.Equal(t, first.ConfigID, second.ConfigID)
	assert.NotEqual(t, first.State, second.State)
}

func TestSecondInitiateSupersedesPendingState(t *testing.T) {
	f := newFixture(t)
	first := f.initiate(t, "u1", "K", "S")
	second := f.initiate(t, "u1", "K", "S")

	_, err := f.svc.CompleteAuthorization(context.Background(), CompleteRequest{
		ConfigID: first.ConfigID,
		State:    first.State,
		Code:     "code123",
	})
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = f.svc.CompleteAuthorization(context.Background(), CompleteRequest{
		ConfigID: second.ConfigID,
		State:    second.State,
		Code:     "code123",
	})
	assert.NoError(t, err)
}

func TestCompleteAuthorization(t *testing.T) {
	f := newFixture(t)
	res := f.initiate(t, "u1", "K", "S")

	identity, err := f.svc.CompleteAuthorization(context.Background(), CompleteRequest{
		ConfigID: res.ConfigID,
		State:    res.State,
		Code:     "code123",
	})
	require.NoError(t, err)
	assert.Equal(t, "bu-1", identity.BrokerUserID)
	assert.Equal(t, "individual", identity.BrokerUserType)
	assert.Equal(t, "S", f.client.lastSecret, "exchange must use the decrypted secret")

	cfg, err := f.store.Configs().GetByID(context.Background(), res.ConfigID)
	require.NoError(t, err)
	assert.Equal(t, model.StateConnected, cfg.ConnectionState)
	assert.Empty(t, cfg.PendingAuthState)

	token, err := f.store.Tokens().GetByConfigID(context.Background(), res.ConfigID)
	require.NoError(t, err)
	access, err := f.vault.Decrypt(token.AccessTokenEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "access-1", access)

	status, err := f.svc.GetStatus(context.Background(), res.ConfigID)
	require.NoError(t, err)
	assert.True(t, status.TokenPresent)
	assert.False(t, status.TokenExpired)
}

func TestCompleteAuthorizationStateBinding(t *testing.T) {
	f := newFixture(t)
	res := f.initiate(t, "u1", "K", "S")

	badStates := []string{
		"",
		"wrong",
		res.State[:len(res.State)-1] + "x", // same length, one char off
		res.State + "x",
		res.State[:16],
	}
	for _, state := range badStates {
		_, err := f.svc.CompleteAuthorization(context.Background(), CompleteRequest{
			ConfigID: res.ConfigID,
			State:    state,
			Code:     "code123",
		})
		if state == "" {
			assert.ErrorIs(t, err, ErrValidation)
		} else {
			assert.ErrorIs(t, err, ErrInvalidState, "state %q must be rejected", state)
		}
	}

	// a forged callback must not have consumed the pending state
	_, err := f.svc.CompleteAuthorization(context.Background(), CompleteRequest{
		ConfigID: res.ConfigID,
		State:    res.State,
		Code:     "code123",
	})
	assert.NoError(t, err)
}

func TestCompleteAuthorizationUnknownConfig(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CompleteAuthorization(context.Background(), CompleteRequest{
		ConfigID: 12345,
		State:    "whatever",
		Code:     "code123",
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteAuthorizationExchangeFailure(t *testing.T) {
	f := newFixture(t)
	res := f.initiate(t, "u1", "K", "S")
	f.client.failExchange = true

	_, err := f.svc.CompleteAuthorization(context.Background(), CompleteRequest{
		ConfigID: res.ConfigID,
		State:    res.State,
		Code:     "code123",
	})
	assert.ErrorIs(t, err, ErrExchange)

	cfg, err := f.store.Configs().GetByID(context.Background(), res.ConfigID)
	require.NoError(t, err)
	assert.Equal(t, model.StateError, cfg.ConnectionState)
	assert.Empty(t, cfg.PendingAuthState, "single-use code: caller must re-initiate")

	_, err = f.store.Tokens().GetByConfigID(context.Background(), res.ConfigID)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestCredentialChangeInvalidatesTokens(t *testing.T) {
	f := newFixture(t)
	res := f.connect(t, "u1")

	_, err := f.store.Tokens().GetByConfigID(context.Background(), res.ConfigID)
	require.NoError(t, err)

	res2 := f.initiate(t, "u1", "K", "S2")
	assert.Equal(t, res.ConfigID, res2.ConfigID)

	_, err = f.store.Tokens().GetByConfigID(context.Background(), res.ConfigID)
	assert.ErrorIs(t, err, ErrTokenNotFound, "tokens minted under the old secret must be removed")
}

func TestSameCredentialsKeepTokens(t *testing.T) {
	f := newFixture(t)
	res := f.connect(t, "u1")

	f.initiate(t, "u1", "K", "S")
	_, err := f.store.Tokens().GetByConfigID(context.Background(), res.ConfigID)
	assert.NoError(t, err)
}

func TestRefreshTokens(t *testing.T) {
	f := newFixture(t)
	res := f.connect(t, "u1")

	status, err := f.svc.RefreshTokens(context.Background(), res.ConfigID, RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, model.StateConnected, status.ConnectionState)
	assert.True(t, status.TokenPresent)

	token, err := f.store.Tokens().GetByConfigID(context.Background(), res.ConfigID)
	require.NoError(t, err)
	access, err := f.vault.Decrypt(token.AccessTokenEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "renewed-access-1", access)
	refresh, err := f.vault.Decrypt(token.RefreshTokenEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "renewed-refresh-1", refresh)
	assert.EqualValues(t, 2, token.Version)
}

func TestRefreshWithoutTokens(t *testing.T) {
	f := newFixture(t)
	res := f.initiate(t, "u1", "K", "S")
	_, err := f.svc.RefreshTokens(context.Background(), res.ConfigID, RequestMeta{})
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestRefreshFailureKeepsToken(t *testing.T) {
	f := newFixture(t)
	res := f.connect(t, "u1")
	f.client.failRenew = true

	_, err := f.svc.RefreshTokens(context.Background(), res.ConfigID, RequestMeta{})
	assert.ErrorIs(t, err, ErrExchange)

	cfg, err := f.store.Configs().GetByID(context.Background(), res.ConfigID)
	require.NoError(t, err)
	assert.Equal(t, model.StateError, cfg.ConnectionState)

	// the old pair may still be valid for a grace period
	_, err = f.store.Tokens().GetByConfigID(context.Background(), res.ConfigID)
	assert.NoError(t, err)
}

func TestConcurrentRefreshRaceSafety(t *testing.T) {
	f := newFixture(t)
	res := f.connect(t, "u1")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.RefreshTokens(context.Background(), res.ConfigID, RequestMeta{})
		}(i)
	}
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])

	token, err := f.store.Tokens().GetByConfigID(context.Background(), res.ConfigID)
	require.NoError(t, err)
	access, err := f.vault.Decrypt(token.AccessTokenEncrypted)
	require.NoError(t, err)
	refresh, err := f.vault.Decrypt(token.RefreshTokenEncrypted)
	require.NoError(t, err)

	// the stored pair must be one of the two minted pairs, never a merge
	n := access[len(access)-1:]
	assert.Contains(t, []string{"1", "2"}, n)
	assert.Equal(t, "renewed-access-"+n, access)
	assert.Equal(t, "renewed-refresh-"+n, refresh)
}

func TestTokenUpdateVersionConflict(t *testing.T) {
	f := newFixture(t)
	res := f.connect(t, "u1")

	// simulate a cross-process writer bumping the version underneath
	token, err := f.store.Tokens().GetByConfigID(context.Background(), res.ConfigID)
	require.NoError(t, err)
	staleVersion := token.Version
	require.NoError(t, f.store.Tokens().Update(context.Background(), token, staleVersion))

	err = f.store.Tokens().Update(context.Background(), token, staleVersion)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t)
	res := f.connect(t, "u1")

	require.NoError(t, f.svc.Disconnect(context.Background(), res.ConfigID, RequestMeta{}))
	assert.EqualValues(t, 1, f.client.revokes)

	cfg, err := f.store.Configs().GetByID(context.Background(), res.ConfigID)
	require.NoError(t, err)
	assert.Equal(t, model.StateDisconnected, cfg.ConnectionState)

	_, err = f.store.Tokens().GetByConfigID(context.Background(), res.ConfigID)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestDisconnectIdempotent(t *testing.T) {
	f := newFixture(t)
	res := f.connect(t, "u1")

	require.NoError(t, f.svc.Disconnect(context.Background(), res.ConfigID, RequestMeta{}))
	require.NoError(t, f.svc.Disconnect(context.Background(), res.ConfigID, RequestMeta{}))

	cfg, err := f.store.Configs().GetByID(context.Background(), res.ConfigID)
	require.NoError(t, err)
	assert.Equal(t, model.StateDisconnected, cfg.ConnectionState)
	_, err = f.store.Tokens().GetByConfigID(context.Background(), res.ConfigID)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestDisconnectSwallowsRevocationFailure(t *testing.T) {
	f := newFixture(t)
	res := f.connect(t, "u1")
	f.client.failRevoke = true

	require.NoError(t, f.svc.Disconnect(context.Background(), res.ConfigID, RequestMeta{}))
	cfg, err := f.store.Configs().GetByID(context.Background(), res.ConfigID)
	require.NoError(t, err)
	assert.Equal(t, model.StateDisconnected, cfg.ConnectionState)
}

func TestGetStatusUnknownConfig(t *testing.T) {
	f := newFixture(t)
	status, err := f.svc.GetStatus(context.Background(), 99999)
	require.NoError(t, err)
	assert.Equal(t, model.StateDisconnected, status.ConnectionState)
	assert.False(t, status.TokenPresent)
}

func TestGetStatusByUser(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "u1")

	status, err := f.svc.GetStatusByUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, model.StateConnected, status.ConnectionState)
	assert.True(t, status.TokenPresent)

	status, err = f.svc.GetStatusByUser(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Equal(t, model.StateDisconnected, status.ConnectionState)
}

func TestAccessCredential(t *testing.T) {
	f := newFixture(t)
	res := f.connect(t, "u1")

	access, err := f.svc.AccessCredential(context.Background(), res.ConfigID)
	require.NoError(t, err)
	assert.Equal(t, "access-1", access)
	assert.Zero(t, f.client.renewals)
}

func TestAccessCredentialRefreshesNearExpiry(t *testing.T) {
	f := newFixture(t)
	res := f.connect(t, "u1")

	token, err := f.store.Tokens().GetByConfigID(context.Background(), res.ConfigID)
	require.NoError(t, err)
	token.ExpiresAt = time.Now().Add(10 * time.Second)
	require.NoError(t, f.store.Tokens().Update(context.Background(), token, token.Version))

	access, err := f.svc.AccessCredential(context.Background(), res.ConfigID)
	require.NoError(t, err)
	assert.Equal(t, "renewed-access-1", access)
	assert.EqualValues(t, 1, f.client.renewals)
}

func TestSetupAttemptLimit(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 10; i++ {
		f.initiate(t, "limited", "K", "S")
	}
	_, err := f.svc.InitiateAuthorization(context.Background(), InitiateRequest{
		UserID:         "limited",
		APIKey:         "K",
		APISecret:      "S",
		RedirectTarget: "https://app.example.com/cb",
	})
	assert.ErrorIs(t, err, ErrTooManyAttempts)
}

func TestEndToEndScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.initiate(t, "u1", "K", "S")
	require.NotEmpty(t, res.State)

	identity, err := f.svc.CompleteAuthorization(ctx, CompleteRequest{
		ConfigID: res.ConfigID, State: res.State, Code: "code123",
	})
	require.NoError(t, err)
	require.NotNil(t, identity)

	status, err := f.svc.GetStatus(ctx, res.ConfigID)
	require.NoError(t, err)
	assert.Equal(t, model.StateConnected, status.ConnectionState)
	assert.True(t, status.TokenPresent)

	_, err = f.svc.RefreshTokens(ctx, res.ConfigID, RequestMeta{})
	require.NoError(t, err)

	token, err := f.store.Tokens().GetByConfigID(ctx, res.ConfigID)
	require.NoError(t, err)
	access, _ := f.vault.Decrypt(token.AccessTokenEncrypted)
	refresh, _ := f.vault.Decrypt(token.RefreshTokenEncrypted)
	assert.Equal(t, "renewed-access-1", access)
	assert.Equal(t, "renewed-refresh-1", refresh)

	require.NoError(t, f.svc.Disconnect(ctx, res.ConfigID, RequestMeta{}))
	status, err = f.svc.GetStatus(ctx, res.ConfigID)
	require.NoError(t, err)
	assert.Equal(t, model.StateDisconnected, status.ConnectionState)
	assert.False(t, status.TokenPresent)
}
