package userkey

import (
	"errors"
	"net/http"
)

var ErrUserNotIdentified = errors.New("user not identified")

// Param identifies the client a request is attributed to for logging and
// rate limiting, regardless of which header/extraction strategy produced
// it (IP, X-Real-IP, ...).
type Param interface {
	Value() string
	Type() string
}

type ParamExtractorFunc func(r *http.Request) Param
