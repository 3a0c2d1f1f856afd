package connection

import (
	"encoding/base64"
	"fmt"

	"github.com/skip2/go-qrcode"
)

const codeImageSize = 256

// renderCode encodes a pairing payload as a PNG data URL that a browser can
// show directly.
func renderCode(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, codeImageSize)
	if err != nil {
		return "", fmt.Errorf("render pairing code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
