package api

// Google JSON API style response structures

type APIResponse struct {
	APIVersion string        `json:"apiVersion"`
	Data       any           `json:"data,omitempty"`
	Error      *APIErrorInfo `json:"error,omitempty"`
}

type APIErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func NewDataResponse(data any) APIResponse {
	return APIResponse{
		APIVersion: "1.0",
		Data:       data,
	}
}

type SetupOAuthRequest struct {
	APIKey         string `json:"apiKey"`
	APISecret      string `json:"apiSecret"`
	UserID         string `json:"userId"`
	RedirectTarget string `json:"redirectTarget"`
	NotifyEmail    string `json:"notifyEmail,omitempty"`
}

type SetupOAuthResponse struct {
	AuthorizationURL string `json:"authorizationUrl"`
	State            string `json:"state"`
	ConfigID         string `json:"configId"`
}

type CallbackRequest struct {
	ConfigID          string `json:"configId"`
	State             string `json:"state"`
	AuthorizationCode string `json:"authorizationCode"`
}

type CallbackResponse struct {
	BrokerUserID string `json:"brokerageUserId"`
	UserType     string `json:"userType"`
}

type ConfigIDRequest struct {
	ConfigID string `json:"configId"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

type StatusResponse struct {
	ConfigID          string `json:"configId,omitempty"`
	ConnectionState   string `json:"connectionState"`
	TokenPresent      bool   `json:"tokenPresent"`
	TokenExpired      bool   `json:"tokenExpired"`
	LastStatusMessage string `json:"lastStatusMessage,omitempty"`
	LastCheckedAt     string `json:"lastCheckedAt,omitempty"`
}
