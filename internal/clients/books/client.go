// Package books is the client of the Book Availability service, which owns
// the authoritative copy counts.
package books

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
)

const ServiceName = "books"

// Client never caches stock; every call goes to the service.
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

// GetBook returns the book snapshot. A missing book is a ResourceNotFound error.
func (c *Client) GetBook(ctx context.Context, bookID int64) (models.BookSnapshot, error) {
	path := fmt.Sprintf("/books/%d", bookID)

	resp, err := c.transport.Do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return models.BookSnapshot{}, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return models.BookSnapshot{}, apperrors.NewResourceNotFoundError(ServiceName, fmt.Sprintf("bookId: %d", bookID))
	case !resp.IsSuccess():
		return models.BookSnapshot{}, c.transport.Rejected(http.MethodGet, path, resp)
	}

	book, err := models.ParseBookSnapshot(resp.Body)
	if err != nil {
		return models.BookSnapshot{}, c.transport.Malformed(path, err)
	}
	return book, nil
}

// Borrow decrements the stock of bookID by one. idempotencyKey lets the
// service drop a repeated decrement for the same request.
func (c *Client) Borrow(ctx context.Context, bookID int64, idempotencyKey string) error {
	path := fmt.Sprintf("/books/%d/borrow", bookID)

	resp, err := c.transport.Do(ctx, http.MethodPost, path, nil, idempotencyHeader(idempotencyKey))
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		// no copies left or book gone since the availability check
		return apperrors.NewBookUnavailableError(bookID, fmt.Sprintf("borrow refused with %d", resp.StatusCode))
	}

	c.logger.Info("stock decremented", map[string]interface{}{"bookId": bookID, "idempotencyKey": idempotencyKey})
	return nil
}

// Return increments the stock of bookID by one.
func (c *Client) Return(ctx context.Context, bookID int64, idempotencyKey string) error {
	path := fmt.Sprintf("/books/%d/return", bookID)

	resp, err := c.transport.Do(ctx, http.MethodPost, path, nil, idempotencyHeader(idempotencyKey))
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return c.transport.Rejected(http.MethodPost, path, resp)
	}

	c.logger.Info("stock incremented", map[string]interface{}{"bookId": bookID, "idempotencyKey": idempotencyKey})
	return nil
}

func idempotencyHeader(key string) map[string]string {
	if key == "" {
		return nil
	}
	return map[string]string{"Idempotency-Key": key}
}
