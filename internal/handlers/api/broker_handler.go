package api

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/openquant/brokerlink/internal/broker"
	"github.com/openquant/brokerlink/internal/render"
)

type BrokerHandler struct {
	brokerService *broker.Service
	siteName      string
	brokerName    string
}

func NewBrokerHandler(brokerService *broker.Service, siteName, brokerName string) *BrokerHandler {
	return &BrokerHandler{
		brokerService: brokerService,
		siteName:      siteName,
		brokerName:    brokerName,
	}
}

func requestMeta(ctx *fiber.Ctx) broker.RequestMeta {
	return broker.RequestMeta{
		IP:        ctx.IP(),
		UserAgent: ctx.Get(fiber.HeaderUserAgent),
	}
}

func (h *BrokerHandler) PostSetupOAuth(ctx *fiber.Ctx) error {
	var req SetupOAuthRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fmt.Errorf("%w: malformed request body", broker.ErrValidation)
	}
	if err := req.Validate(); err != nil {
		return err
	}

	result, err := h.brokerService.InitiateAuthorization(ctx.Context(), broker.InitiateRequest{
		UserID:         req.UserID,
		APIKey:         req.APIKey,
		APISecret:      req.APISecret,
		RedirectTarget: req.RedirectTarget,
		NotifyEmail:    req.NotifyEmail,
		Meta:           requestMeta(ctx),
	})
	if err != nil {
		return err
	}

	return ctx.JSON(NewDataResponse(SetupOAuthResponse{
		AuthorizationURL: result.AuthorizationURL,
		State:            result.State,
		ConfigID:         strconv.FormatUint(result.ConfigID, 10),
	}))
}

func (h *BrokerHandler) PostCallback(ctx *fiber.Ctx) error {
	var req CallbackRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fmt.Errorf("%w: malformed request body", broker.ErrValidation)
	}
	if err := req.Validate(); err != nil {
		return err
	}
	configID, err := parseConfigID(req.ConfigID)
	if err != nil {
		return err
	}

	identity, err := h.brokerService.CompleteAuthorization(ctx.Context(), broker.CompleteRequest{
		ConfigID: configID,
		State:    req.State,
		Code:     req.AuthorizationCode,
		Meta:     requestMeta(ctx),
	})
	if err != nil {
		return err
	}

	return ctx.JSON(NewDataResponse(CallbackResponse{
		BrokerUserID: identity.BrokerUserID,
		UserType:     identity.BrokerUserType,
	}))
}

// GetCallback is the variant the brokerage redirects the user's browser
// to. It renders a human-facing landing page instead of JSON; failures
// stay generic so the page can not be used to probe the state check.
func (h *BrokerHandler) GetCallback(ctx *fiber.Ctx) error {
	req := CallbackRequest{
		ConfigID:          ctx.Query("configId"),
		State:             ctx.Query("state"),
		AuthorizationCode: ctx.Query("code"),
	}

	vars := map[string]interface{}{
		"siteName":   h.siteName,
		"brokerName": h.brokerName,
		"success":    false,
		"message":    "The connection could not be completed.",
	}
	status := fiber.StatusBadRequest

	if err := req.Validate(); err == nil {
		if configID, err := parseConfigID(req.ConfigID); err == nil {
			_, err := h.brokerService.CompleteAuthorization(ctx.Context(), broker.CompleteRequest{
				ConfigID: configID,
				State:    req.State,
				Code:     req.AuthorizationCode,
				Meta:     requestMeta(ctx),
			})
			if err == nil {
				vars["success"] = true
				status = fiber.StatusOK
			}
		}
	}

	page, err := render.RenderHTML("callback_result", vars)
	if err != nil {
		return err
	}
	ctx.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return ctx.Status(status).SendString(page)
}

func (h *BrokerHandler) PostRefreshToken(ctx *fiber.Ctx) error {
	var req ConfigIDRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fmt.Errorf("%w: malformed request body", broker.ErrValidation)
	}
	configID, err := parseConfigID(req.ConfigID)
	if err != nil {
		return err
	}

	if _, err := h.brokerService.RefreshTokens(ctx.Context(), configID, requestMeta(ctx)); err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(SuccessResponse{Success: true}))
}

func (h *BrokerHandler) PostDisconnect(ctx *fiber.Ctx) error {
	var req ConfigIDRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fmt.Errorf("%w: malformed request body", broker.ErrValidation)
	}
	configID, err := parseConfigID(req.ConfigID)
	if err != nil {
		return err
	}

	if err := h.brokerService.Disconnect(ctx.Context(), configID, requestMeta(ctx)); err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(SuccessResponse{Success: true}))
}

func (h *BrokerHandler) GetStatus(ctx *fiber.Ctx) error {
	var status *broker.Status
	var err error

	switch {
	case ctx.Query("configId") != "":
		var configID uint64
		if configID, err = parseConfigID(ctx.Query("configId")); err != nil {
			return err
		}
		status, err = h.brokerService.GetStatus(ctx.Context(), configID)
	case ctx.Query("userId") != "":
		status, err = h.brokerService.GetStatusByUser(ctx.Context(), ctx.Query("userId"))
	default:
		return fmt.Errorf("%w: configId or userId is required", broker.ErrValidation)
	}
	if err != nil {
		return err
	}

	resp := StatusResponse{
		ConnectionState: string(status.ConnectionState),
		TokenPresent:    status.TokenPresent,
		TokenExpired:    status.TokenExpired,
	}
	if status.ConfigID != 0 {
		resp.ConfigID = strconv.FormatUint(status.ConfigID, 10)
	}
	resp.LastStatusMessage = status.LastStatusMessage
	if !status.LastCheckedAt.IsZero() {
		resp.LastCheckedAt = status.LastCheckedAt.UTC().Format(time.RFC3339)
	}
	return ctx.JSON(NewDataResponse(resp))
}
