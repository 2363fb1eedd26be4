// Package defs contains shared definitions.
package defs

import (
	"time"

	"github.com/the5gs/arstreamer/internal/packet"
)

// APIError is a generic error.
type APIError struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// APIOK is returned on success.
type APIOK struct {
	Status string `json:"status"`
}

// APIInfo is the response of /info.
type APIInfo struct {
	Version string    `json:"version"`
	Started time.Time `json:"started"`
}

// APIResults are the latest results received from the server.
type APIResults struct {
	StatusMessage     string            `json:"statusMessage"`
	TranslationResult *string           `json:"translationResult"`
	HandLandmarks     []packet.Landmark `json:"handLandmarks"`
	Updated           *time.Time        `json:"updated"`
}
