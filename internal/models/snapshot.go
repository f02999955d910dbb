// internal/models/snapshot.go
package models

import (
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrInvalidSnapshot = errors.New("invalid snapshot")

// UserSnapshot is the part of an Identity user this service relies on.
type UserSnapshot struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
	Role      string `json:"role"`
	IsActive  bool   `json:"is_active"`
	MaxLoans  int    `json:"max_loans"`
}

type userWire struct {
	ID        *int64  `json:"id"`
	Email     *string `json:"email"`
	Username  *string `json:"username"`
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	Phone     *string `json:"phone"`
	Role      *string `json:"role"`
	IsActive  *bool   `json:"is_active"`
	MaxLoans  *int    `json:"max_loans"`
}

// ParseUserSnapshot extracts a user from an Identity response body. Missing
// optional fields take their defaults; is_active defaults to false.
func ParseUserSnapshot(body []byte) (UserSnapshot, error) {
	var w userWire
	if err := json.Unmarshal(body, &w); err != nil {
		return UserSnapshot{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}

	u := UserSnapshot{
		ID:        deref(w.ID, 0),
		Email:     strings.TrimSpace(deref(w.Email, "")),
		Username:  deref(w.Username, ""),
		FirstName: deref(w.FirstName, ""),
		LastName:  deref(w.LastName, ""),
		Phone:     strings.TrimSpace(deref(w.Phone, "")),
		Role:      deref(w.Role, "MEMBER"),
		IsActive:  deref(w.IsActive, false),
		MaxLoans:  deref(w.MaxLoans, 5),
	}
	return u, u.Validate()
}

func (u UserSnapshot) Validate() error {
	if u.ID <= 0 {
		return fmt.Errorf("%w: user id missing", ErrInvalidSnapshot)
	}
	return nil
}

// FullName falls back to the username when no name is set.
func (u UserSnapshot) FullName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}

// HasRole reports whether the user holds one of roles.
func (u UserSnapshot) HasRole(roles ...string) bool {
	for _, r := range roles {
		if strings.EqualFold(u.Role, r) {
			return true
		}
	}
	return false
}

// BookSnapshot is the part of a catalog book this service relies on.
type BookSnapshot struct {
	ID              int64  `json:"id"`
	Title           string `json:"title"`
	Author          string `json:"author"`
	ISBN            string `json:"isbn"`
	Category        string `json:"category"`
	TotalCopies     int    `json:"total_copies"`
	AvailableCopies int    `json:"available_copies"`
}

type bookWire struct {
	ID              *int64  `json:"id"`
	Title           *string `json:"title"`
	Author          *string `json:"author"`
	ISBN            *string `json:"isbn"`
	Category        *string `json:"category"`
	TotalCopies     *int    `json:"total_copies"`
	AvailableCopies *int    `json:"available_copies"`
}

// ParseBookSnapshot extracts a book from a catalog response body. A missing
// available_copies counts as none available.
func ParseBookSnapshot(body []byte) (BookSnapshot, error) {
	var w bookWire
	if err := json.Unmarshal(body, &w); err != nil {
		return BookSnapshot{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}

	b := BookSnapshot{
		ID:              deref(w.ID, 0),
		Title:           deref(w.Title, ""),
		Author:          deref(w.Author, ""),
		ISBN:            deref(w.ISBN, ""),
		Category:        deref(w.Category, ""),
		TotalCopies:     deref(w.TotalCopies, 0),
		AvailableCopies: deref(w.AvailableCopies, 0),
	}
	return b, b.Validate()
}

func (b BookSnapshot) Validate() error {
	if b.ID <= 0 {
		return fmt.Errorf("%w: book id missing", ErrInvalidSnapshot)
	}
	if b.AvailableCopies < 0 {
		return fmt.Errorf("%w: negative available_copies", ErrInvalidSnapshot)
	}
	return nil
}

func (b BookSnapshot) Available() bool {
	return b.AvailableCopies > 0
}

func deref[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
