// Package qr builds the scannable references a location prints out: one
// for joining the line and one for checking ticket status.
package qr

import (
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

type Builder struct {
	baseURL string
}

func NewBuilder(baseURL string) *Builder {
	return &Builder{baseURL: strings.TrimRight(baseURL, "/")}
}

func (b *Builder) JoinRef(locationID string) string {
	return b.baseURL + "/queue/" + locationID
}

func (b *Builder) StatusRef(locationID string) string {
	return b.baseURL + "/status_check/" + locationID
}

// JoinImage renders the join reference as a size x size PNG.
func (b *Builder) JoinImage(locationID string, size int) ([]byte, error) {
	return qrcode.Encode(b.JoinRef(locationID), qrcode.Low, size)
}

// StatusImage renders the status reference as a size x size PNG.
func (b *Builder) StatusImage(locationID string, size int) ([]byte, error) {
	return qrcode.Encode(b.StatusRef(locationID), qrcode.Low, size)
}
