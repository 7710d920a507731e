package events

import (
	goerrs "errors"
	"fmt"
)

var ErrAuthRejected = goerrs.New("authorization rejected")

// AuthRejected is returned by an auth subscriber to refuse a connection.
type AuthRejected struct {
	Route  string
	Reason string
}

func (e *AuthRejected) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("Authorization rejected on route %s", e.Route)
	}
	return fmt.Sprintf("Authorization rejected on route %s: %s", e.Route, e.Reason)
}

func (e *AuthRejected) Is(target error) bool {
	return target == ErrAuthRejected
}

func IsAuthRejected(err error) bool {
	return goerrs.Is(err, ErrAuthRejected)
}
