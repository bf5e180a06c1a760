package api

import (
	"fmt"
	"net/mail"
	"net/url"
	"strconv"

	"github.com/openquant/brokerlink/internal/broker"
)

func requireField(value, name string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", broker.ErrValidation, name)
	}
	return nil
}

func (r *SetupOAuthRequest) Validate() error {
	for _, f := range []struct{ value, name string }{
		{r.APIKey, "apiKey"},
		{r.APISecret, "apiSecret"},
		{r.UserID, "userId"},
		{r.RedirectTarget, "redirectTarget"},
	} {
		if err := requireField(f.value, f.name); err != nil {
			return err
		}
	}
	target, err := url.Parse(r.RedirectTarget)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		return fmt.Errorf("%w: redirectTarget must be an absolute http(s) URL", broker.ErrValidation)
	}
	if r.NotifyEmail != "" {
		if _, err := mail.ParseAddress(r.NotifyEmail); err != nil {
			return fmt.Errorf("%w: notifyEmail is not a valid address", broker.ErrValidation)
		}
	}
	return nil
}

func (r *CallbackRequest) Validate() error {
	for _, f := range []struct{ value, name string }{
		{r.ConfigID, "configId"},
		{r.State, "state"},
		{r.AuthorizationCode, "authorizationCode"},
	} {
		if err := requireField(f.value, f.name); err != nil {
			return err
		}
	}
	return nil
}

func parseConfigID(raw string) (uint64, error) {
	if raw == "" {
		return 0, fmt.Errorf("%w: configId is required", broker.ErrValidation)
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: configId must be numeric", broker.ErrValidation)
	}
	return id, nil
}
