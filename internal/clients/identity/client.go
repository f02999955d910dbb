// Package identity is the client of the Identity service.
package identity

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"library-workers/internal/clients"
	apperrors "library-workers/internal/common/errors"
	"library-workers/internal/common/logger"
	"library-workers/internal/common/resolver"
	"library-workers/internal/models"

	jsoniter "github.com/json-iterator/go"
)

const ServiceName = "identity"

type Client struct {
	transport *clients.Transport
	logger    logger.Logger
}

func NewClient(res resolver.Resolver, timeout time.Duration, log logger.Logger) *Client {
	return &Client{
		transport: clients.NewTransport(ServiceName, res, timeout),
		logger:    log.WithFields(map[string]interface{}{"client": ServiceName}),
	}
}

// GetUser returns the user snapshot. A missing user is a ResourceNotFound error.
func (c *Client) GetUser(ctx context.Context, userID int64) (models.UserSnapshot, error) {
	path := fmt.Sprintf("/users/%d", userID)

	resp, err := c.transport.Do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return models.UserSnapshot{}, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return models.UserSnapshot{}, apperrors.NewResourceNotFoundError(ServiceName, fmt.Sprintf("userId: %d", userID))
	case !resp.IsSuccess():
		return models.UserSnapshot{}, c.transport.Rejected(http.MethodGet, path, resp)
	}

	user, err := models.ParseUserSnapshot(resp.Body)
	if err != nil {
		return models.UserSnapshot{}, c.transport.Malformed(path, err)
	}
	return user, nil
}

type validateResponse struct {
	Valid bool                `json:"valid"`
	User  jsoniter.RawMessage `json:"user"`
	Error string              `json:"error"`
}

// ValidateToken asks the Identity service who owns token.
func (c *Client) ValidateToken(ctx context.Context, token string) (models.UserSnapshot, error) {
	const path = "/users/validate"

	resp, err := c.transport.Do(ctx, http.MethodPost, path, map[string]string{"token": token}, nil)
	if err != nil {
		return models.UserSnapshot{}, err
	}

	var out validateResponse
	if err := resp.Decode(&out); err != nil {
		if !resp.IsSuccess() {
			return models.UserSnapshot{}, apperrors.NewAuthenticationError(fmt.Sprintf("token rejected with %d", resp.StatusCode))
		}
		return models.UserSnapshot{}, c.transport.Malformed(path, err)
	}

	if !out.Valid {
		detail := out.Error
		if detail == "" {
			detail = "invalid token"
		}
		return models.UserSnapshot{}, apperrors.NewAuthenticationError(detail)
	}

	user, err := models.ParseUserSnapshot(out.User)
	if err != nil {
		return models.UserSnapshot{}, c.transport.Malformed(path, err)
	}
	return user, nil
}
