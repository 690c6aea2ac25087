// Package identity provisions chat users on the Matrix homeserver through
// the client-server registration endpoint.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"maunium.net/go/mautrix"
)

var ErrInvalidInput = errors.New("invalid user input")

const defaultDeviceName = "Admin Device"

// RemoteError is a non-2xx answer from the homeserver.
type RemoteError struct {
	Status  int    `json:"-"`
	Code    string `json:"errcode"`
	Message string `json:"error"`
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("homeserver returned %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("homeserver returned %d", e.Status)
}

type NewUser struct {
	Username    string
	Password    string
	DisplayName string
}

// Registered is the homeserver's answer to a successful registration.
type Registered struct {
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id,omitempty"`
	HomeServer  string `json:"home_server,omitempty"`
	AccessToken string `json:"-"`
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Register creates a user with the dummy auth flow. The homeserver must
// offer m.login.dummy as a single-stage flow.
func (c *Client) Register(ctx context.Context, u NewUser) (Registered, error) {
	if strings.TrimSpace(u.Username) == "" || u.Password == "" {
		return Registered{}, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}
	device := u.DisplayName
	if device == "" {
		device = defaultDeviceName
	}

	// Registration is unauthenticated, so each call gets a fresh client.
	cli, err := mautrix.NewClient(c.baseURL, "", "")
	if err != nil {
		return Registered{}, fmt.Errorf("matrix client: %w", err)
	}
	cli.Client = c.http

	resp, err := cli.RegisterDummy(ctx, &mautrix.ReqRegister{
		Username:                 u.Username,
		Password:                 u.Password,
		InitialDeviceDisplayName: device,
	})
	if err != nil {
		if remote := asRemoteError(err); remote != nil {
			return Registered{}, remote
		}
		return Registered{}, fmt.Errorf("register user: %w", err)
	}
	return Registered{
		UserID:      string(resp.UserID),
		DeviceID:    string(resp.DeviceID),
		HomeServer:  resp.UserID.Homeserver(),
		AccessToken: resp.AccessToken,
	}, nil
}

// asRemoteError returns nil when err carries no homeserver response.
func asRemoteError(err error) *RemoteError {
	var he mautrix.HTTPError
	if !errors.As(err, &he) || he.Response == nil {
		return nil
	}
	remote := &RemoteError{Status: he.Response.StatusCode}
	if he.RespError != nil {
		remote.Code = he.RespError.ErrCode
		remote.Message = he.RespError.Err
	}
	return remote
}
